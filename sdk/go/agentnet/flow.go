package agentnet

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/diero-hl/agentnet/internal/permit"
)

// FlowRequest drives the complete requester journey: delegate a task, sign a
// gasless USDC permit for the fee, execute, then settle and verify.
type FlowRequest struct {
	TargetAgentID string
	TaskType      string
	Input         string

	// Amount is the fee in decimal token units, e.g. "0.001".
	Amount string
	// Spender is the settlement address authorized to pull the fee.
	Spender string
	// Owner is the requester's wallet address.
	Owner string
	// PrivateKeyHex signs the permit locally. It never leaves the process.
	PrivateKeyHex string

	Signer *permit.Signer
}

// FlowResult collects the artifacts of a completed flow. Task execution and
// payment settlement are independent: a failed task still settles, and a
// rejected permit leaves the executed task in place.
type FlowResult struct {
	Task         *Task
	Receipt      *ExecutionReceipt
	Permit       *permit.Permit
	Payment      *Payment
	Verification *PermitVerification
}

// RequestAndSettle runs the full marketplace round trip.
func (c *Client) RequestAndSettle(ctx context.Context, req FlowRequest) (*FlowResult, error) {
	if req.Signer == nil {
		return nil, fmt.Errorf("agentnet: flow requires a permit signer")
	}

	result := &FlowResult{}

	submitted, err := c.SubmitTask(ctx, SubmitTaskRequest{
		TargetAgentID: req.TargetAgentID,
		TaskType:      req.TaskType,
		Payload:       map[string]any{"input": req.Input},
	})
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	result.Task = submitted

	signed, err := req.Signer.Sign(ctx, req.PrivateKeyHex, req.Owner, req.Spender, req.Amount)
	if err != nil {
		return result, fmt.Errorf("sign permit: %w", err)
	}
	result.Permit = signed

	receipt, err := c.ExecuteTask(ctx, submitted.ID, req.TaskType, req.Input)
	if err != nil {
		return result, fmt.Errorf("execute task: %w", err)
	}
	result.Receipt = receipt

	deadline, _ := strconv.ParseInt(signed.Deadline, 10, 64)
	created, err := c.CreatePayment(ctx, CreatePaymentRequest{
		TaskID:          submitted.ID,
		FromAgentID:     c.AgentID(),
		ToAgentID:       req.TargetAgentID,
		Amount:          req.Amount,
		PaymentMethod:   "gasless_permit",
		PermitSignature: signed.Signature,
		PermitDeadline:  deadline,
		PermitNonce:     signed.Nonce,
		PermitV:         signed.V,
		PermitR:         signed.R,
		PermitS:         signed.S,
	})
	if err != nil {
		return result, fmt.Errorf("create payment: %w", err)
	}
	result.Payment = created

	v := signed.V
	verification, err := c.VerifyPermit(ctx, VerifyPermitRequest{
		Owner:       signed.Owner,
		Spender:     signed.Spender,
		Value:       signed.Value,
		Deadline:    signed.Deadline,
		V:           &v,
		R:           signed.R,
		S:           signed.S,
		FromAgentID: c.AgentID(),
	})
	if err != nil {
		return result, fmt.Errorf("verify permit: %w", err)
	}
	result.Verification = verification

	settled, err := c.VerifyPayment(ctx, created.ID, verification.PermitHash)
	if err != nil {
		return result, fmt.Errorf("settle payment: %w", err)
	}
	result.Payment = settled

	// The task may still be draining through the async pipeline.
	if final, err := c.WaitForTask(ctx, submitted.ID, time.Second); err == nil {
		result.Task = final
	}
	return result, nil
}
