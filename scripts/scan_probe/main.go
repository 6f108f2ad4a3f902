package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// scan_probe posts one scan per index number against a running API,
// for verifying gate scanner connectivity before a deployment goes live.

type scanPayload struct {
	IndexNumber  string `json:"indexNumber"`
	DeviceInfo   string `json:"deviceInfo,omitempty"`
	ScanLocation string `json:"scanLocation,omitempty"`
}

type result struct {
	IndexNumber string
	Status      int
	Applied     string
	Duration    time.Duration
	Error       error
}

func main() {
	var (
		base      string
		indexFile string
		location  string
		device    string
		timeout   time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&indexFile, "index-file", "", "Path to newline-separated index numbers")
	flag.StringVar(&location, "location", "probe", "Scan location reported with each scan")
	flag.StringVar(&device, "device", "scan_probe", "Device info reported with each scan")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	indexes, err := loadIndexes(indexFile)
	if err != nil {
		log.Fatalf("failed to load index numbers: %v", err)
	}

	client := &http.Client{Timeout: timeout}
	var (
		results []result
		failed  int
	)

	for _, idx := range indexes {
		res := probe(client, base, scanPayload{IndexNumber: idx, DeviceInfo: device, ScanLocation: location})
		if res.Error != nil || res.Status != http.StatusOK {
			failed++
		}
		results = append(results, res)
	}

	printReport(results)

	fmt.Printf("Scans: %d, Failed: %d\n", len(results), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func loadIndexes(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("-index-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var indexes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		indexes = append(indexes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(indexes) == 0 {
		return nil, fmt.Errorf("no index numbers in %s", path)
	}
	return indexes, nil
}

func probe(client *http.Client, base string, payload scanPayload) result {
	res := result{IndexNumber: payload.IndexNumber}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Error = err
		return res
	}

	url := strings.TrimRight(base, "/") + "/api/v1/scan"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Error = err
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode

	var envelope struct {
		Data struct {
			Applied string `json:"applied"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		res.Applied = envelope.Data.Applied
	}

	return res
}

func printReport(results []result) {
	fmt.Println("Scan Probe Report")
	fmt.Println("=================")
	for _, res := range results {
		status := "OK"
		if res.Error != nil {
			status = "ERROR"
		} else if res.Status != http.StatusOK {
			status = "FAIL"
		}
		fmt.Printf("[%s] %s\n", status, res.IndexNumber)
		if res.Error != nil {
			fmt.Printf("  Error: %v\n", res.Error)
			continue
		}
		fmt.Printf("  Status: %d | Applied: %s | Duration: %s\n", res.Status, res.Applied, res.Duration)
	}
}
