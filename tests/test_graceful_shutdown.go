package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"
)

func runGracefulShutdownTest() {
	fmt.Println("==============================================")
	fmt.Println("CFDI Bulk Retrieval - Graceful Shutdown Test")
	fmt.Println("==============================================")
	fmt.Println()

	// Test configuration
	httpAddr := "localhost:8088"
	grpcAddr := "localhost:50058"
	satPort := "50059"
	dbPath := "graceful-shutdown-test.db"
	logPath := "graceful-shutdown-test.log"
	configPath := "graceful-shutdown-test.yaml"
	credentialsDir := "graceful-shutdown-credentials"

	// Clean up any previous test artifacts
	cleanup := func() {
		os.Remove(dbPath)
		os.Remove(logPath)
		os.Remove(configPath)
		os.RemoveAll(credentialsDir)
	}
	cleanup()

	// Start the service
	fmt.Println("Starting service with short scheduler interval...")
	cmd, logFile, err := startDescarga(logPath,
		"-http", httpAddr,
		"-grpc", grpcAddr,
		"-db", dbPath,
		"-scheduler-interval", "3s",
	)
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	// Wait for service to start
	fmt.Println("Waiting for service to start...")
	if !waitForHealth(httpAddr, true, 5*time.Second) {
		cmd.Process.Kill()
		fmt.Println("❌ ERROR: Service failed to start")
		os.Exit(1)
	}
	fmt.Println("✅ Service started successfully")

	// Test 1: Health check returns 503 during shutdown
	fmt.Println("\nTest 1: Health endpoint returns 503 during shutdown")
	fmt.Println("================================================")

	// Send SIGTERM
	fmt.Println("Sending SIGTERM to service...")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		fmt.Printf("❌ ERROR: Failed to send SIGTERM: %v\n", err)
		os.Exit(1)
	}

	// Check health immediately
	time.Sleep(50 * time.Millisecond) // Small delay to let signal be processed

	resp, body, err := checkHealthEndpoint(httpAddr)
	if err != nil {
		fmt.Printf("✅ Health check correctly failed during shutdown (connection refused)\n")
	} else if resp.StatusCode == http.StatusServiceUnavailable {
		fmt.Printf("✅ Health endpoint returned 503 during shutdown\n")
		fmt.Printf("   Response: %s\n", body)
	} else {
		fmt.Printf("❌ ERROR: Expected 503 but got %d\n", resp.StatusCode)
		os.Exit(1)
	}

	// Wait for process to exit
	cmd.Wait()
	fmt.Println("✅ Service shut down")

	// Test 2: Verify shutdown sequence in logs
	fmt.Println("\nTest 2: Verify graceful shutdown sequence")
	fmt.Println("=========================================")

	logContent, err := os.ReadFile(logPath)
	if err != nil {
		fmt.Printf("❌ ERROR: Failed to read log file: %v\n", err)
		os.Exit(1)
	}

	requiredLogEntries := []string{
		"shutting down...",
		"stopping job scheduler",
		"waiting for running jobs to stop...",
		"gRPC server shut down",
		"HTTP server shut down",
	}

	logs := string(logContent)
	allFound := true
	for _, entry := range requiredLogEntries {
		if !strings.Contains(logs, entry) {
			fmt.Printf("❌ Missing log entry: %s\n", entry)
			allFound = false
		}
	}

	if allFound {
		fmt.Println("✅ All shutdown sequence steps found in logs")
	} else {
		fmt.Println("\nFull log output:")
		fmt.Println(logs)
		os.Exit(1)
	}

	// Test 3: a job caught mid-verification ends interrupted, not stuck
	fmt.Println("\nTest 3: Shutdown interrupts a verifying job")
	fmt.Println("===========================================")

	cleanup()
	if err := writeCredentials(credentialsDir, "owner-1"); err != nil {
		fmt.Printf("❌ ERROR: Failed to write credentials: %v\n", err)
		os.Exit(1)
	}
	if err := writeConfig(configPath, satPort, credentialsDir); err != nil {
		fmt.Printf("❌ ERROR: Failed to write config: %v\n", err)
		os.Exit(1)
	}
	fakeCmd, err := startFakeSAT(satPort, 1)
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		os.Exit(1)
	}

	cmd2, logFile2, err := startDescarga(logPath,
		"-config", configPath,
		"-http", httpAddr,
		"-grpc", grpcAddr,
		"-db", dbPath,
		"-scheduler-interval", "1s",
	)
	if err != nil {
		fakeCmd.Process.Kill()
		fmt.Printf("❌ ERROR: %v\n", err)
		os.Exit(1)
	}
	defer logFile2.Close()

	if !waitForHealth(httpAddr, true, 5*time.Second) {
		cmd2.Process.Kill()
		fakeCmd.Process.Kill()
		fmt.Println("❌ ERROR: Service failed to start")
		os.Exit(1)
	}

	id, err := submitJob(httpAddr, "EKU9003173C9")
	if err != nil {
		cmd2.Process.Kill()
		fakeCmd.Process.Kill()
		fmt.Printf("❌ ERROR: %v\n", err)
		os.Exit(1)
	}

	// wait until the job is polling, then take the remote side away so it
	// keeps polling until the signal arrives
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if j, err := getJob(httpAddr, id); err == nil && j.State == "verifying" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	fakeCmd.Process.Kill()
	fakeCmd.Wait()

	fmt.Println("Sending SIGTERM while the job is verifying...")
	startTime := time.Now()
	if err := cmd2.Process.Signal(syscall.SIGTERM); err != nil {
		fmt.Printf("❌ ERROR: Failed to send SIGTERM: %v\n", err)
		os.Exit(1)
	}
	cmd2.Wait()
	fmt.Printf("✅ Shutdown completed in %.2f seconds\n", time.Since(startTime).Seconds())

	logContent2, _ := os.ReadFile(logPath)
	if strings.Contains(string(logContent2), "interrupted") || strings.Contains(string(logContent2), "job finished") {
		fmt.Println("✅ Confirmed: the running job recorded its outcome before exit")
	} else {
		fmt.Println("❌ ERROR: no job outcome recorded before exit")
		fmt.Println(string(logContent2))
		os.Exit(1)
	}

	// Clean up
	fmt.Println("\nCleaning up test artifacts...")
	cleanup()
	os.Remove("fake-sat.log")

	fmt.Println("\n✅ All graceful shutdown tests passed!")
}
