package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gateway-fm/cfdi-descarga/internal/credential/credentialtest"
)

// Paths are relative to the repository root; run with go run ./tests.
const (
	descargaBinary = "./descarga"
	fakeSATBinary  = "./tests/fakesat/fakesat"
	fakeSATSource  = "./tests/fakesat"

	testAdminKey = "test-admin-key"
)

// startFakeSAT builds and runs the scripted remote service on port.
func startFakeSAT(port string, packages int) (*exec.Cmd, error) {
	if _, err := os.Stat(fakeSATBinary); os.IsNotExist(err) {
		buildCmd := exec.Command("go", "build", "-o", fakeSATBinary, fakeSATSource)
		buildOut, err := buildCmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("failed to build fake remote service: %v\nOutput: %s", err, string(buildOut))
		}
	}

	cmd := exec.Command(fakeSATBinary, "-port", port, "-log", "fake-sat.log", "-packages", fmt.Sprint(packages))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start fake remote service: %v", err)
	}

	// Give it a moment to start and check if it's still running
	time.Sleep(100 * time.Millisecond)
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("fake remote service died immediately after starting - likely port already in use")
	}
	return cmd, nil
}

// writeCredentials generates a throwaway e.firma for ownerRef under dir.
func writeCredentials(dir, ownerRef string) error {
	f, err := credentialtest.Generate(credentialtest.Options{})
	if err != nil {
		return err
	}
	ownerDir := filepath.Join(dir, ownerRef)
	if err := os.MkdirAll(ownerDir, 0o700); err != nil {
		return err
	}
	files := map[string][]byte{
		"fiel.cer": f.CertDER,
		"fiel.key": f.KeyDER,
		"fiel.txt": []byte(f.Passphrase),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(ownerDir, name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// writeConfig points the service at the fake on satPort with short polling.
func writeConfig(path, satPort, credentialsDir string) error {
	base := "http://127.0.0.1:" + satPort
	content := fmt.Sprintf(`endpoints:
  auth: %[1]s/Autenticacion/Autenticacion.svc
  request: %[1]s/SolicitaDescargaService.svc
  verify: %[1]s/VerificaSolicitudDescargaService.svc
  download: %[1]s/DescargaMasivaService.svc
poll:
  interval: 200ms
  max_attempts: 20
  timeout: 30s
transport:
  timeout: 5s
  retry_max: 1
credentials:
  dir: %[2]s
`, base, credentialsDir)
	return os.WriteFile(path, []byte(content), 0o600)
}

// startDescarga runs the service binary with its output in logPath.
func startDescarga(logPath string, args ...string) (*exec.Cmd, *os.File, error) {
	if _, err := os.Stat(descargaBinary); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("binary not found at %s. Please build it first: go build -o descarga ./cmd/descarga", descargaBinary)
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log file: %v", err)
	}

	cmd := exec.Command(descargaBinary, append([]string{"-admin-api-key", testAdminKey}, args...)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("failed to start service: %v", err)
	}
	return cmd, logFile, nil
}

func submitJob(httpAddr, companyRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"owner_ref":   "owner-1",
		"company_ref": companyRef,
		"direction":   "received",
		"date_from":   "2024-01-01",
		"date_to":     "2024-01-31",
	})
	resp, err := http.Post("http://"+httpAddr+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit returned %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %v", err)
	}
	return out.ID, nil
}

type jobSnapshot struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	Reason          string `json:"reason"`
	LastError       string `json:"last_error"`
	TotalFound      int    `json:"total_found"`
	TotalDownloaded int    `json:"total_downloaded"`
	AuthMs          *int64 `json:"auth_ms"`
	VerifyMs        *int64 `json:"verify_ms"`
}

func getJob(httpAddr, id string) (jobSnapshot, error) {
	resp, err := http.Get("http://" + httpAddr + "/jobs/" + id)
	if err != nil {
		return jobSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jobSnapshot{}, fmt.Errorf("get job returned %d", resp.StatusCode)
	}
	var j jobSnapshot
	err = json.NewDecoder(resp.Body).Decode(&j)
	return j, err
}

// waitForJob polls until the job reaches a terminal state.
func waitForJob(httpAddr, id string, timeout time.Duration) jobSnapshot {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := getJob(httpAddr, id)
		if err != nil {
			log.Fatalf("Failed to get job %s: %v", id, err)
		}
		if j.State == "success" || j.State == "error" {
			return j
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Fatalf("Job %s did not finish within %s", id, timeout)
	return jobSnapshot{}
}

// postAdmin sends an authorized POST and returns the status code.
func postAdmin(httpAddr, path string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, "http://"+httpAddr+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-API-Key", testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func checkHealthEndpoint(addr string) (*http.Response, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("http://%s/health", addr), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp, string(body), nil
}

func waitForHealth(addr string, expectSuccess bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, _, err := checkHealthEndpoint(addr)
		if expectSuccess && err == nil && resp.StatusCode == http.StatusOK {
			return true
		}
		if !expectSuccess && (err != nil || resp.StatusCode != http.StatusOK) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
