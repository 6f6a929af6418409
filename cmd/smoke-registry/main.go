package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"aarna.eco/internal/audit"
	"aarna.eco/internal/ids"
	"aarna.eco/internal/rpc"
)

func main() {
	addr := os.Getenv("AARNA_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}

	client, err := rpc.Dial(addr)
	if err != nil {
		log.Fatalf("dial aarnad at %s: %v", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = audit.WithRequestID(ctx, ids.Prefixed("smoke"))

	ok, err := client.Healthy(ctx)
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	if !ok {
		log.Fatalf("aarnad is not serving")
	}

	sum, err := client.Summary(ctx)
	if err != nil {
		log.Fatalf("summary: %v", err)
	}
	if sum.ProjectCount > sum.ProjectCapacity || sum.ListingCount > sum.ListingCapacity {
		log.Fatalf("capacity violated: projects=%d/%d listings=%d/%d",
			sum.ProjectCount, sum.ProjectCapacity, sum.ListingCount, sum.ListingCapacity)
	}

	var escrowed uint64
	for i := 0; i < sum.ListingCount; i++ {
		l, err := client.Listing(ctx, uint64(i))
		if err != nil {
			log.Fatalf("listing %d: %v", i, err)
		}
		if l.Active {
			escrowed += l.Amount
		}
	}
	if escrowed != sum.Escrowed {
		log.Fatalf("escrow mismatch: listings hold %d, summary says %d", escrowed, sum.Escrowed)
	}
	for i := 0; i < sum.ProjectCount; i++ {
		if _, err := client.Project(ctx, uint64(i)); err != nil {
			log.Fatalf("project %d: %v", i, err)
		}
	}

	fmt.Printf("aarnad smoke test passed: contract=%s projects=%d listings=%d escrowed=%d\n",
		sum.Contract, sum.ProjectCount, sum.ListingCount, sum.Escrowed)
}
