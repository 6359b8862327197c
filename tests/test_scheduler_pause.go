package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// runSchedulerPauseTest checks that a paused scheduler holds queued jobs, that
// the pause survives a restart, and that resuming releases the backlog.
func runSchedulerPauseTest() {
	fmt.Println("===========================================")
	fmt.Println("CFDI Bulk Retrieval Scheduler Pause Test")
	fmt.Println("===========================================")
	fmt.Println()

	// Clean up any stale processes before starting
	fmt.Println("Cleaning up any existing processes...")
	exec.Command("pkill", "-f", "fakesat").Run()
	exec.Command("pkill", "-f", "descarga").Run()
	time.Sleep(500 * time.Millisecond)

	httpAddr := "127.0.0.1:8080"
	satPort := "50052"
	dbFile := "scheduler-pause-test.db"
	logFile := "scheduler-pause-test.log"
	configPath := "scheduler-pause-test.yaml"
	credentialsDir := "scheduler-pause-credentials"

	// Cleanup function
	cleanup := func() {
		fmt.Println("\nCleaning up...")
		os.Remove(dbFile)
		os.Remove(logFile)
		os.Remove(configPath)
		os.Remove("fake-sat.log")
		os.RemoveAll(credentialsDir)
	}
	defer cleanup()

	fmt.Println("Step 1: Starting fake remote service...")
	if err := writeCredentials(credentialsDir, "owner-1"); err != nil {
		log.Fatalf("Failed to write credentials: %v", err)
	}
	if err := writeConfig(configPath, satPort, credentialsDir); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	fakeCmd, err := startFakeSAT(satPort, 1)
	if err != nil {
		log.Fatalf("Failed to start fake remote service: %v", err)
	}
	defer fakeCmd.Process.Kill()

	start := func() *exec.Cmd {
		cmd, out, err := startDescarga(logFile,
			"-config", configPath,
			"-db", dbFile,
			"-http", httpAddr,
			"-grpc", "127.0.0.1:50051",
			"-scheduler-interval", "1s",
		)
		if err != nil {
			log.Fatal(err)
		}
		defer out.Close()
		if !waitForHealth(httpAddr, true, 10*time.Second) {
			logContent, _ := os.ReadFile(logFile)
			fmt.Printf("Service failed to start. Log content:\n%s\n", string(logContent))
			log.Fatalf("Service did not start within 10 seconds")
		}
		return cmd
	}

	fmt.Println("Step 2: Starting service...")
	cmd := start()
	defer func() { cmd.Process.Kill() }()

	fmt.Println("\nStep 3: Pausing scheduler (3 calls required)...")
	toggle(httpAddr, "/scheduler/pause")
	if checkSchedulerStatus(httpAddr) {
		log.Fatal("❌ ERROR: Scheduler still active after pause")
	}
	fmt.Println("✅ Scheduler paused")

	fmt.Println("\nStep 4: Submitting a job while paused...")
	held, err := submitJob(httpAddr, "EKU9003173C9")
	if err != nil {
		log.Fatalf("Could not submit job: %v", err)
	}
	time.Sleep(3 * time.Second)
	requireState(httpAddr, held, "queued")
	fmt.Println("✅ Pause held the job in the queue")

	fmt.Println("\nStep 5: Restarting service to test pause persistence...")
	cmd.Process.Kill()
	cmd.Wait()
	cmd = start()

	second, err := submitJob(httpAddr, "EKU9003173C9")
	if err != nil {
		log.Fatalf("Could not submit job after restart: %v", err)
	}
	time.Sleep(3 * time.Second)
	requireState(httpAddr, held, "queued")
	requireState(httpAddr, second, "queued")
	fmt.Println("✅ Pause persisted across restart")

	fmt.Println("\nStep 6: Resuming scheduler (3 calls required)...")
	toggle(httpAddr, "/scheduler/resume")
	if !checkSchedulerStatus(httpAddr) {
		log.Fatal("❌ ERROR: Scheduler still paused after resume")
	}
	fmt.Println("✅ Scheduler resumed")

	fmt.Println("\nStep 7: Waiting for held jobs to run...")
	for _, id := range []string{held, second} {
		j := waitForJob(httpAddr, id, 30*time.Second)
		if j.State != "success" {
			log.Fatalf("❌ ERROR: job %s finished in %s (%s): %s", id, j.State, j.Reason, j.LastError)
		}
	}
	fmt.Println("✅ Held jobs ran after resume")

	fmt.Println("\n===========================================")
	fmt.Println("Scheduler Pause Test Complete!")
	fmt.Println("===========================================")
}

func toggle(httpAddr, path string) {
	for i := 1; i <= 3; i++ {
		fmt.Printf("  Call %d/3...", i)
		status, err := postAdmin(httpAddr, path)
		if err != nil {
			fmt.Printf(" ERROR: %v\n", err)
		} else {
			fmt.Printf(" Status: %d\n", status)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func requireState(httpAddr, id, want string) {
	j, err := getJob(httpAddr, id)
	if err != nil {
		log.Fatalf("Failed to get job %s: %v", id, err)
	}
	if j.State != want {
		log.Fatalf("❌ ERROR: job %s is %s, expected %s", id, j.State, want)
	}
}

// checkSchedulerStatus checks if the scheduler is active
func checkSchedulerStatus(httpAddr string) bool {
	resp, err := http.Get("http://" + httpAddr + "/config")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var status struct {
		SchedulerActive bool `json:"scheduler_active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.SchedulerActive
}
