package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

func runE2ETest() {
	fmt.Println("=====================================")
	fmt.Println("CFDI Bulk Retrieval End-to-End Test")
	fmt.Println("=====================================")
	fmt.Println()

	// Clean up any stale processes before starting
	fmt.Println("Cleaning up any existing processes...")
	exec.Command("pkill", "-f", "fakesat").Run()
	exec.Command("pkill", "-f", "descarga").Run()
	time.Sleep(500 * time.Millisecond)

	httpAddr := "127.0.0.1:8080"
	satPort := "50052"
	dbPath := "e2e-test.db"
	logPath := "e2e-test.log"
	configPath := "e2e-test.yaml"
	credentialsDir := "e2e-credentials"

	cleanup := func() {
		fmt.Println("\nCleaning up...")
		os.Remove(dbPath)
		os.Remove(logPath)
		os.Remove(configPath)
		os.Remove("fake-sat.log")
		os.RemoveAll(credentialsDir)
	}
	cleanup()
	defer cleanup()

	fmt.Println("1. Preparing credentials and configuration...")
	if err := writeCredentials(credentialsDir, "owner-1"); err != nil {
		log.Fatal("Failed to write credentials: ", err)
	}
	if err := writeConfig(configPath, satPort, credentialsDir); err != nil {
		log.Fatal("Failed to write config: ", err)
	}

	fmt.Println("2. Starting fake remote service...")
	fakeCmd, err := startFakeSAT(satPort, 2)
	if err != nil {
		log.Fatal(err)
	}
	defer fakeCmd.Process.Kill()

	fmt.Println("3. Starting service...")
	cmd, logFile, err := startDescarga(logPath,
		"-config", configPath,
		"-db", dbPath,
		"-http", httpAddr,
		"-grpc", "127.0.0.1:50051",
		"-scheduler-interval", "1s",
	)
	if err != nil {
		log.Fatal(err)
	}
	defer logFile.Close()
	defer cmd.Process.Kill()

	if !waitForHealth(httpAddr, true, 5*time.Second) {
		log.Fatal("❌ Service failed to start")
	}
	fmt.Println("  ✅ Service is healthy")

	fmt.Println("4. Submitting job for a company given by RFC...")
	id, err := submitJob(httpAddr, "EKU9003173C9")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  ✓ Queued job %s\n", id)

	j := waitForJob(httpAddr, id, 30*time.Second)
	if j.State != "success" {
		log.Fatalf("❌ Job finished in %s (%s): %s", j.State, j.Reason, j.LastError)
	}
	fmt.Printf("  ✅ Job succeeded: found=%d downloaded=%d\n", j.TotalFound, j.TotalDownloaded)
	if j.TotalDownloaded != 4 {
		log.Fatalf("❌ Expected 4 downloaded documents, got %d", j.TotalDownloaded)
	}
	if j.AuthMs == nil || j.VerifyMs == nil {
		log.Fatal("❌ Expected stage durations on a finished job")
	}

	fmt.Println("5. Submitting an invalid job...")
	if _, err := submitJob(httpAddr, ""); err == nil || !strings.Contains(err.Error(), "400") {
		log.Fatalf("❌ Expected a 400 for a missing company, got %v", err)
	}
	fmt.Println("  ✅ Rejected with 400")

	// wait a little time for the metrics to be updated
	time.Sleep(2 * time.Second)

	fmt.Println("6. Fetching metrics...")
	resp, err := http.Get("http://" + httpAddr + "/metrics")
	if err != nil {
		log.Fatal("Failed to get metrics: ", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		log.Fatal("Failed to read metrics: ", err)
	}

	expectedMetrics := []string{
		`descarga_jobs{state="success"} 1`,
		`descarga_jobs_finished_total{reason="",state="success"} 1`,
		`descarga_documents_stored_total{format="xml"} 4`,
		`descarga_stage_duration_seconds_count{stage="download"} 1`,
	}

	ok := true
	for _, expectedMetric := range expectedMetrics {
		if !strings.Contains(string(body), expectedMetric) {
			log.Printf("  ❌ Expected metric not found: %s", expectedMetric)
			ok = false
		} else {
			log.Printf("  ✅ Expected metric found: %s", expectedMetric)
		}
	}
	if !ok {
		log.Fatal("❌ Metrics check failed")
	}

	fmt.Println("7. Running self-check...")
	resp, err = http.Get("http://" + httpAddr + "/self-check")
	if err != nil {
		log.Fatal("Failed to run self-check: ", err)
	}
	var selfCheck map[string]any
	err = json.NewDecoder(resp.Body).Decode(&selfCheck)
	resp.Body.Close()
	if err != nil {
		log.Fatal("Failed to decode self-check: ", err)
	}
	if resp.StatusCode != http.StatusOK || selfCheck["database"] != "ok" {
		log.Fatalf("❌ Self-check failed: %d %v", resp.StatusCode, selfCheck)
	}
	fmt.Println("  ✅ Self-check passed")

	fmt.Println()
	fmt.Println("=====================================")
	fmt.Println("End-to-End Test Complete")
	fmt.Println("=====================================")
}
