package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Exercises the full exchange flow against a running API and asserts that
// the funded budget is conserved across escrow, payout and refund.
func main() {
	base := os.Getenv("HEALTHEX_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}
	suffix := time.Now().UnixNano()
	researcher := fmt.Sprintf("smoke-researcher-%d", suffix)
	patient := fmt.Sprintf("smoke-patient-%d", suffix)

	adminTok := obtainToken(client, base, "smoke-admin", []string{"admin"})
	researcherTok := obtainToken(client, base, researcher, []string{"researcher"})
	patientTok := obtainToken(client, base, patient, []string{"patient"})

	call(client, http.MethodPost, base+"/v1/providers", adminTok,
		map[string]any{"principal": patient}, http.StatusCreated, nil)

	call(client, http.MethodPost, base+"/v1/accounts", adminTok,
		map[string]any{"owner": researcher, "initial_amount": 1000}, http.StatusCreated, nil)

	var rec struct {
		ID int64 `json:"id"`
	}
	call(client, http.MethodPost, base+"/v1/records", patientTok,
		map[string]any{"payload_hash": "sha256:smoke", "category": "smoke"}, http.StatusCreated, &rec)

	var req struct {
		ID          int64 `json:"id"`
		TotalBudget int64 `json:"total_budget"`
	}
	call(client, http.MethodPost, base+"/v1/requests", researcherTok, map[string]any{
		"category":        "smoke",
		"purpose":         "smoke test",
		"reward_per_unit": 10,
		"required_count":  3,
		"duration_days":   1,
	}, http.StatusCreated, &req)
	if req.TotalBudget != 30 {
		log.Fatalf("unexpected budget: %d", req.TotalBudget)
	}

	var contrib struct {
		Reward int64 `json:"reward"`
	}
	call(client, http.MethodPost, fmt.Sprintf("%s/v1/requests/%d/contributions", base, req.ID), patientTok,
		map[string]any{"record_ids": []int64{rec.ID}}, http.StatusCreated, &contrib)
	if contrib.Reward != 10 {
		log.Fatalf("unexpected reward: %d", contrib.Reward)
	}

	var closed struct {
		Refund int64 `json:"refund"`
	}
	call(client, http.MethodPost, fmt.Sprintf("%s/v1/requests/%d/close", base, req.ID), researcherTok,
		nil, http.StatusOK, &closed)
	if closed.Refund != 20 {
		log.Fatalf("unexpected refund: %d", closed.Refund)
	}

	resBal := balance(client, base, researcherTok, researcher)
	patBal := balance(client, base, patientTok, patient)
	if resBal+patBal != 1000 {
		log.Fatalf("budget conservation failed: researcher=%d patient=%d", resBal, patBal)
	}
	if resBal != 990 || patBal != 10 {
		log.Fatalf("unexpected balances: researcher=%d patient=%d", resBal, patBal)
	}

	fmt.Printf("exchange smoke test passed: record=%d request=%d\n", rec.ID, req.ID)
}

func obtainToken(client *http.Client, base, principal string, roles []string) string {
	var payload struct {
		Token string `json:"token"`
	}
	call(client, http.MethodPost, base+"/v1/auth/token", "",
		map[string]any{"principal": principal, "roles": roles}, http.StatusOK, &payload)
	if payload.Token == "" {
		log.Fatalf("empty token for %s", principal)
	}
	return payload.Token
}

func balance(client *http.Client, base, tok, account string) int64 {
	var payload struct {
		Balance int64 `json:"balance"`
	}
	call(client, http.MethodGet, base+"/v1/accounts/"+account+"/balance", tok, nil, http.StatusOK, &payload)
	return payload.Balance
}

func call(client *http.Client, method, url, tok string, body any, wantStatus int, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode %s: %v", url, err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		log.Fatalf("new request %s: %v", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}
