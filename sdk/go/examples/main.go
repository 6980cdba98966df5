// Command examples runs the SDK against an in-process marketplace stack:
// register two agents, delegate a task, execute it, settle the fee and read
// the resulting reputation.
package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/diero-hl/agentnet/internal/agent"
	"github.com/diero-hl/agentnet/internal/api"
	"github.com/diero-hl/agentnet/internal/event"
	"github.com/diero-hl/agentnet/internal/executor"
	"github.com/diero-hl/agentnet/internal/payment"
	"github.com/diero-hl/agentnet/internal/reputation"
	"github.com/diero-hl/agentnet/internal/task"
	"github.com/diero-hl/agentnet/sdk/go/agentnet"
)

type demoRunner struct{}

func (demoRunner) Execute(_ context.Context, taskType, input string) executor.Result {
	return executor.Result{
		"status": "completed",
		"output": fmt.Sprintf("%s result for %s", taskType, input),
	}
}

func main() {
	bus := event.NewBus()
	reputationSvc := reputation.NewService(reputation.NewMemoryStore())
	bus.SubscribeTask(reputationSvc)
	bus.SubscribePayment(reputationSvc)

	agentSvc := agent.NewService(agent.NewMemoryStore(), nil)
	taskSvc := task.NewService(task.NewMemoryStore(), nil, demoRunner{}, bus)
	paymentSvc := payment.NewService(payment.NewMemoryStore(), nil, bus)

	server := api.NewServer(":0", agentSvc, taskSvc, paymentSvc, reputationSvc)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	client, err := agentnet.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	requester, err := client.RegisterAgent(ctx, agentnet.RegisterAgentRequest{
		Name:          "demo-requester",
		WalletAddress: "0x00000000000000000000000000000000000000a1",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered requester %s (api key issued once)\n", requester.ID)

	worker, _, err := agentSvc.Register(ctx, agent.RegisterRequest{
		Name:          "demo-worker",
		WalletAddress: "0x00000000000000000000000000000000000000a2",
		Capabilities:  []string{"token_lookup"},
	})
	if err != nil {
		panic(err)
	}

	submitted, err := client.SubmitTask(ctx, agentnet.SubmitTaskRequest{
		TargetAgentID: worker.ID,
		TaskType:      "token_lookup",
		Payload:       map[string]any{"input": "0xToken"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", submitted.ID, submitted.Status)

	receipt, err := client.ExecuteTask(ctx, submitted.ID, submitted.TaskType, "0xToken")
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed task, proof %s\n", receipt.ProofHash)

	created, err := client.CreatePayment(ctx, agentnet.CreatePaymentRequest{
		TaskID:        submitted.ID,
		ToAgentID:     worker.ID,
		Amount:        "0.001",
		PaymentMethod: "x402",
	})
	if err != nil {
		panic(err)
	}
	settled, err := client.VerifyPayment(ctx, created.ID, "0xdemo-settlement")
	if err != nil {
		panic(err)
	}
	fmt.Printf("payment %s settled (status=%s)\n", settled.ID, settled.Status)

	profile, err := client.GetReputation(ctx, worker.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("worker score=%s earned=%s\n", profile.Score, profile.TotalEarned)
}
