// Command examples walks a task through its lifecycle against a running
// escrowd started with auth mode "disabled" and the memory ledger.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"EgoMarket/internal/task"
	"EgoMarket/sdk/go/egomarket"
)

func main() {
	baseURL := os.Getenv("EGOMARKET_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	creator, err := egomarket.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	creator.SetActor("operator")
	agent, err := egomarket.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	agent.SetActor("agent-demo")

	if _, err := agent.RegisterAgent(ctx, "agent-demo", "agent-demo-address"); err != nil {
		log.Fatal(err)
	}
	posted, err := creator.PostTask(ctx, task.PostRequest{
		Title:          "summarise the weekly report",
		Budget:         2_000_000_000,
		Agent:          "agent-demo",
		DeadlineHeight: 10_000,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("posted task %s (status=%s)\n", posted.ID, posted.Status)

	funded, err := creator.Fund(ctx, posted.ID, egomarket.CustodialWallet())
	if egomarket.IsAmbiguous(err) {
		fmt.Println("funding outcome unknown; poll the escrow status before retrying")
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("escrow box %s locked by tx %s\n", funded.Receipt.BoxID, funded.Receipt.TxID)

	if _, _, err := agent.SubmitDeliverable(ctx, posted.ID, "report summary v1"); err != nil {
		log.Fatal(err)
	}
	view, err := creator.EscrowStatus(ctx, posted.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("escrow local=%s on_chain=%s\n", view.Local, view.OnChain)
}
