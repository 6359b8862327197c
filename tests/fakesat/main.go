package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/sat/sattest"
)

// loggingHandler writes one line per remote call to the log file.
type loggingHandler struct {
	next    http.Handler
	logFile *os.File
}

func (h *loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf("[%s] RECEIVED %s %s\n", timestamp, r.Method, r.URL.Path)

	// Log to both console and file
	log.Print(msg)

	if h.logFile != nil {
		h.logFile.WriteString(msg)
		h.logFile.Sync()
	}
	h.next.ServeHTTP(w, r)
}

func main() {
	var port string
	var logPath string
	var packages int

	flag.StringVar(&port, "port", "50052", "Port to listen on")
	flag.StringVar(&logPath, "log", "fake-sat.log", "Log file path")
	flag.IntVar(&packages, "packages", 1, "Packages every accepted request resolves to")
	flag.Parse()

	// Clear log file at startup
	os.WriteFile(logPath, []byte{}, 0644)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal("Failed to open log file: ", err)
	}
	defer logFile.Close()

	fake, err := scriptedFake(packages)
	if err != nil {
		log.Fatal("Failed to build packages: ", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		log.Fatal("Failed to listen: ", err)
	}

	base := "http://127.0.0.1:" + port
	endpoints := fake.Endpoints(base)
	log.Printf("Fake remote service listening on %s", base)
	log.Printf("  auth:     %s", endpoints.Auth)
	log.Printf("  request:  %s", endpoints.Request)
	log.Printf("  verify:   %s", endpoints.Verify)
	log.Printf("  download: %s", endpoints.Download)

	if err := http.Serve(lis, &loggingHandler{next: fake, logFile: logFile}); err != nil {
		log.Fatal("Failed to serve: ", err)
	}
}

// scriptedFake accepts every request and, after one in-progress poll, reports
// the given number of packages, each holding two invoices.
func scriptedFake(packages int) (*sattest.Server, error) {
	fake := sattest.NewFake()
	fake.SetRequest("CFDI", sattest.RequestReply{Code: sat.CodeAccepted, ID: "fake-request-1", Message: "Solicitud Aceptada"})
	fake.SetRequest("Metadata", sattest.RequestReply{Code: sat.CodeAccepted, ID: "fake-request-2", Message: "Solicitud Aceptada"})

	var ids []string
	for i := 1; i <= packages; i++ {
		id := fmt.Sprintf("FAKE-REQUEST-1_%02d", i)
		first := fmt.Sprintf("00000000-0000-4000-8000-%012d", 2*i)
		second := fmt.Sprintf("00000000-0000-4000-8000-%012d", 2*i+1)
		data, err := sattest.BuildZip(
			sattest.File{Name: first + ".xml", Data: sattest.CFDI(first, "I")},
			sattest.File{Name: second + ".xml", Data: sattest.CFDI(second, "E")},
		)
		if err != nil {
			return nil, err
		}
		fake.SetPackage(id, sattest.PackageReply{Data: data})
		ids = append(ids, id)
	}

	fake.SetVerifications(
		sattest.VerifyReply{State: "1", StateCode: sat.CodeAccepted},
		sattest.VerifyReply{State: "3", StateCode: sat.CodeAccepted, Count: 2 * packages, PackageIDs: ids},
	)
	return fake, nil
}
