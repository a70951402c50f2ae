package gateway

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"relaygate/crypto"
	"relaygate/dedup"
	"relaygate/monitor"
	"relaygate/observability"
	"relaygate/observability/logging"
	"relaygate/orders"
	"relaygate/proof"
	"relaygate/verify"
)

// OrderStore is the best-effort order collaborator. Its unavailability
// degrades the pipeline to proof-only mode, never aborts it.
type OrderStore interface {
	FindOrder(ctx context.Context, key string) (*orders.Order, error)
	UpdateOrder(ctx context.Context, key string, fields map[string]any) error
}

// Pipeline sequences the webhook decision: structural validation, duplicate
// short-circuit, signature check, registry check, payment verification,
// receipt advisory, order update, monitor start, proof issuance, and finally
// the duplicate commit. The commit is last so a crash mid-pipeline can issue
// a proof without recording it, but never rejects a never-before-seen claim.
type Pipeline struct {
	listeners *verify.ListenerChecker
	payments  *verify.PaymentVerifier
	tracker   *dedup.Tracker
	signer    *proof.Signer
	monitors  *monitor.Registry
	store     OrderStore

	proofMethod   proof.Method
	allowUnsigned bool

	metrics *observability.GatewayMetrics
	log     *slog.Logger
}

// PipelineConfig wires the pipeline collaborators. Listeners, payments,
// tracker, and signer are required; store and monitors may be nil in
// proof-only deployments.
type PipelineConfig struct {
	Listeners     *verify.ListenerChecker
	Payments      *verify.PaymentVerifier
	Tracker       *dedup.Tracker
	Signer        *proof.Signer
	Monitors      *monitor.Registry
	Store         OrderStore
	ProofMethod   proof.Method
	AllowUnsigned bool
	Log           *slog.Logger
}

// NewPipeline validates the wiring and returns the orchestrator.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Listeners == nil {
		panic("listener checker required")
	}
	if cfg.Payments == nil {
		panic("payment verifier required")
	}
	if cfg.Tracker == nil {
		panic("duplicate tracker required")
	}
	if cfg.Signer == nil {
		panic("proof signer required")
	}
	if cfg.ProofMethod == "" {
		cfg.ProofMethod = proof.MethodTyped
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.AllowUnsigned {
		cfg.Log.Warn("unsigned webhooks are ALLOWED; enable signatures before production")
	}
	return &Pipeline{
		listeners:     cfg.Listeners,
		payments:      cfg.Payments,
		tracker:       cfg.Tracker,
		signer:        cfg.Signer,
		monitors:      cfg.Monitors,
		store:         cfg.Store,
		proofMethod:   cfg.ProofMethod,
		allowUnsigned: cfg.AllowUnsigned,
		metrics:       observability.Gateway(),
		log:           cfg.Log,
	}
}

// Process runs the full decision for one claim. signature and nodeAddress
// come from the request headers and may be empty. The returned *Error is nil
// on success and on idempotent replays.
func (p *Pipeline) Process(ctx context.Context, claim *WebhookClaim, signature, nodeAddress string) (resp *Response, perr *Error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			resp, perr = nil, failf(CategoryInternal, "internal error")
		}
	}()

	if err := claim.Validate(); err != nil {
		p.metrics.Decision("rejected_structural")
		return nil, failf(CategoryStructural, "%s", err.Error())
	}
	signature = strings.TrimSpace(signature)
	nodeAddress = strings.TrimSpace(nodeAddress)
	log := p.log.With(
		slog.String("payment", claim.PaymentID),
		slog.String("listener", nodeAddress),
	)

	// Duplicate short-circuit. The replay answer carries the canonical
	// processor's identity and no proof.
	processed, err := p.tracker.IsProcessed(ctx, claim.PaymentID)
	if err != nil {
		log.Error("duplicate lookup failed, treating claim as new", slog.String("error", err.Error()))
	}
	if processed {
		resp := &Response{Status: StatusAlreadyProcessed, PaymentID: claim.PaymentID}
		if entry, err := p.tracker.GetOriginal(ctx, claim.PaymentID); err == nil && entry != nil {
			resp.Original = &OriginalDelivery{Listener: entry.Listener, FirstSeenAt: entry.FirstSeen}
		}
		p.metrics.Decision("replay")
		log.Info("duplicate claim short-circuited")
		return resp, nil
	}

	if fail := p.checkSignature(claim, signature, nodeAddress, log); fail != nil {
		p.metrics.Decision("rejected_" + string(fail.Category))
		return nil, fail
	}

	degraded := false
	if nodeAddress != "" {
		result := p.listeners.CheckListener(ctx, common.HexToAddress(nodeAddress))
		if !result.Valid {
			p.metrics.Decision("rejected_authorization")
			return nil, failf(CategoryAuthorization, "%s", result.Reason)
		}
		degraded = degraded || result.Degraded
	}

	if result := p.payments.VerifyPayment(ctx, verify.PaymentQuery{
		PaymentID: claim.PaymentID,
		Merchant:  common.HexToAddress(claim.Merchant),
		Customer:  common.HexToAddress(claim.Customer),
		AmountWei: claim.weiAmount(),
	}); !result.Valid {
		p.metrics.Decision("rejected_verification")
		return nil, failf(CategoryVerification, "%s", result.Reason)
	}

	// Receipt depth is advisory at ingestion; the confirmation monitor owns
	// the authoritative completion decision.
	if claim.TransactionHash != "" {
		if result := p.payments.VerifyReceipt(ctx, common.HexToHash(claim.TransactionHash)); !result.Valid {
			log.Warn("receipt advisory check failed", slog.String("reason", result.Reason))
		}
	}

	orderKey := p.updateOrder(ctx, claim, log)

	monitoring := false
	if p.monitors != nil && claim.TransactionHash != "" &&
		(claim.Type == ClaimTypePending || claim.Type == ClaimTypeCompleted) {
		key := orderKey
		if key == "" {
			key = claim.PaymentID
		}
		monitoring = p.monitors.Start(key, common.HexToHash(claim.TransactionHash), claim.ChainID) ||
			p.monitors.IsActive(key)
	}

	var issued *proof.MerchantProof
	if nodeAddress != "" {
		issued, err = p.signer.Generate(proof.Params{
			PaymentID: claim.PaymentID,
			Listener:  nodeAddress,
			Timestamp: time.Unix(claim.Timestamp, 0),
			OrderID:   orderKey,
			Amount:    claim.Amount,
		}, p.proofMethod)
		if err != nil {
			p.metrics.Decision("rejected_verification")
			return nil, failf(CategoryVerification, "proof refused: %s", err.Error())
		}
		p.metrics.ProofIssued(string(p.proofMethod))
	}

	// Commit last. A failed commit is logged, not surfaced: the claim was
	// genuine and the proof already issued.
	if err := p.tracker.MarkProcessed(ctx, claim.PaymentID, nodeAddress, signature); err != nil {
		log.Error("duplicate commit failed", slog.String("error", err.Error()))
	}

	p.metrics.Decision("accepted")
	log.Info("webhook accepted",
		slog.String("signature", logging.Signature(signature)),
		slog.Bool("degraded", degraded),
		slog.Bool("monitoring", monitoring),
	)
	return &Response{
		Status:     StatusSuccess,
		PaymentID:  claim.PaymentID,
		OrderKey:   orderKey,
		Degraded:   degraded,
		Monitoring: monitoring,
		Proof:      issued,
	}, nil
}

func (p *Pipeline) checkSignature(claim *WebhookClaim, signature, nodeAddress string, log *slog.Logger) *Error {
	if signature == "" || nodeAddress == "" {
		if !p.allowUnsigned {
			return failf(CategoryAuthentication, "signature and node address required")
		}
		log.Warn("accepting unsigned webhook")
		return nil
	}
	if !common.IsHexAddress(nodeAddress) {
		return failf(CategoryStructural, "x-node-address is not a valid address")
	}
	message := crypto.CanonicalClaim{
		Type:      claim.Type,
		PaymentID: claim.PaymentID,
		Merchant:  claim.Merchant,
		Amount:    claim.Amount,
		Timestamp: claim.Timestamp,
		ChainID:   claim.ChainID,
	}.Message()
	if !crypto.VerifySignature(message, signature, nodeAddress) {
		return failf(CategoryAuthentication, "signature does not match node address")
	}
	return nil
}

// updateOrder attaches the claim to a merchant order when one matches. It is
// best effort: failures log and the pipeline continues in proof-only mode.
func (p *Pipeline) updateOrder(ctx context.Context, claim *WebhookClaim, log *slog.Logger) string {
	if p.store == nil {
		return ""
	}
	order, err := p.store.FindOrder(ctx, claim.PaymentID)
	if err == nil && order == nil && claim.TransactionHash != "" {
		order, err = p.store.FindOrder(ctx, claim.TransactionHash)
	}
	if err != nil {
		log.Warn("order lookup failed, continuing proof-only", slog.String("error", err.Error()))
		return ""
	}
	if order == nil {
		return ""
	}
	fields := map[string]any{
		"payment_id": claim.PaymentID,
		"tx_hash":    claim.TransactionHash,
	}
	switch claim.Type {
	case ClaimTypeCompleted:
		fields["status"] = orders.StatusCompleted
	case ClaimTypePending:
		fields["status"] = orders.StatusProcessing
	}
	if err := p.store.UpdateOrder(ctx, order.OrderKey, fields); err != nil {
		log.Warn("order update failed, continuing proof-only", slog.String("error", err.Error()))
	}
	return order.OrderKey
}
