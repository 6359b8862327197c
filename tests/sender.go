package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gateway-fm/cfdi-descarga/internal/api"
)

func sendRandomJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpc.NewClient("127.0.0.1:50051", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	client := api.NewJobServiceClient(conn)

	// a random window of up to a month inside last year
	from := time.Now().AddDate(-1, 0, 0).AddDate(0, 0, rand.Intn(300))
	to := from.AddDate(0, 0, rand.Intn(30))
	direction := "received"
	if rand.Intn(2) == 0 {
		direction = "issued"
	}

	req, err := structpb.NewStruct(map[string]any{
		"owner_ref":   "owner-1",
		"company_ref": "EKU9003173C9",
		"direction":   direction,
		"date_from":   from.Format(time.DateOnly),
		"date_to":     to.Format(time.DateOnly),
	})
	if err != nil {
		log.Fatalf("failed to build request: %v", err)
	}

	resp, err := client.SubmitJob(ctx, req)
	if err != nil {
		log.Fatalf("failed to submit job: %v", err)
	}

	slog.Info("sent random job", "id", resp.GetFields()["id"].GetStringValue(), "direction", direction,
		"from", from.Format(time.DateOnly), "to", to.Format(time.DateOnly))
}
