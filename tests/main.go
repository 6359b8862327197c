package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	e2eTest := flag.Bool("e2e", false, "Run end-to-end retrieval test against a fake remote service")
	pauseTest := flag.Bool("scheduler-pause", false, "Run scheduler pause/resume test")
	gracefulShutdownTest := flag.Bool("graceful-shutdown", false, "Run graceful shutdown test")
	sendTest := flag.Bool("send", false, "Submit a random job to a local instance")
	flag.Parse()

	if len(os.Args) == 1 {
		fmt.Println("CFDI Bulk Retrieval Tests")
		fmt.Println("=========================")
		fmt.Println()
		fmt.Println("Usage (build first: go build -o descarga ./cmd/descarga):")
		fmt.Println("  go run ./tests -e2e                Run end-to-end retrieval test")
		fmt.Println("  go run ./tests -scheduler-pause    Run scheduler pause/resume test")
		fmt.Println("  go run ./tests -graceful-shutdown  Run graceful shutdown test")
		fmt.Println("  go run ./tests -send               Submit a random job to a local instance")
		return
	}

	if *e2eTest {
		runE2ETest()
		return
	}

	if *pauseTest {
		runSchedulerPauseTest()
		return
	}

	if *gracefulShutdownTest {
		runGracefulShutdownTest()
		return
	}

	if *sendTest {
		sendRandomJob()
		return
	}
}
