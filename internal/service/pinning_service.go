package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nameop-indexer/internal/adapter"
	"github.com/nameop-indexer/internal/circuitbreaker"
	"github.com/nameop-indexer/internal/config"
	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
)

// BytesPerMB is the size unit fees are quoted in
const BytesPerMB = 1 << 20

// DurationOptions are the pin durations, in months, a name can pay for
var DurationOptions = []int{1, 6, 12}

// ContentStore is the part of the content-addressed store the pinning service uses
type ContentStore interface {
	Stream(ctx context.Context, cid string) (io.ReadCloser, error)
	Pin(ctx context.Context, cid string) error
}

// PinningMetadataStore persists PinningMetadata keyed by content id
type PinningMetadataStore interface {
	Get(ctx context.Context, cid string) (*models.PinningMetadata, error)
	Put(ctx context.Context, metadata *models.PinningMetadata) error
}

// TransactionSource fetches verbose transactions from the chain
type TransactionSource interface {
	GetTransaction(ctx context.Context, txid string) (*adapter.VerboseTx, error)
}

// FailureRecorder keeps the list of content ids that could not be pinned
type FailureRecorder interface {
	Record(ctx context.Context, cid, reason string) error
	Clear(ctx context.Context, cid string) error
}

// Durations is the pin duration a name can still pay for
type Durations struct {
	MaxMonths int   `json:"maxMonths"`
	Options   []int `json:"options"`
}

// PinningService decides fees, checks payments and retains content
type PinningService struct {
	cfg      config.PinningConfig
	content  ContentStore
	metadata PinningMetadataStore
	txs      TransactionSource
	failures FailureRecorder
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logging.Logger
	now      func() time.Time
}

// NewPinningService creates a new pinning service
func NewPinningService(
	cfg config.PinningConfig,
	content ContentStore,
	metadata PinningMetadataStore,
	txs TransactionSource,
	failures FailureRecorder,
) *PinningService {
	breakerCfg := circuitbreaker.DefaultConfig("content-store")
	breakerCfg.IsFailure = func(err error) bool { return !apperrors.IsContentFault(err) }

	return &PinningService{
		cfg:      cfg,
		content:  content,
		metadata: metadata,
		txs:      txs,
		failures: failures,
		breaker:  circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:   logging.Component("pinning_service"),
		now:      time.Now,
	}
}

// CalculateFee returns the fee for keeping sizeBytes pinned for months:
// base rate × months × size in MB, floored to the fee unit and never below the minimum fee.
func (s *PinningService) CalculateFee(sizeBytes int64, months int) decimal.Decimal {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	if months < 0 {
		months = 0
	}

	fee := s.cfg.BaseRatePerMBPerMonth.
		Mul(decimal.NewFromInt(int64(months))).
		Mul(decimal.NewFromInt(sizeBytes)).
		Div(decimal.NewFromInt(BytesPerMB))
	fee = fee.Div(s.cfg.FeeUnit).Floor().Mul(s.cfg.FeeUnit)

	if fee.LessThan(s.cfg.MinimumFee) {
		return s.cfg.MinimumFee
	}
	return fee
}

// AvailableDurations returns how many months a name registered at registrationHeight can
// still pay for at currentHeight.
func (s *PinningService) AvailableDurations(registrationHeight, currentHeight int64) Durations {
	remaining := s.cfg.ExpirationWindowBlocks - (currentHeight - registrationHeight)
	blocksPerMonth := s.cfg.BlocksPerYear / 12

	months := 0
	if remaining > 0 && blocksPerMonth > 0 {
		months = int(remaining / blocksPerMonth)
	}
	if months > 12 {
		months = 12
	}

	options := []int{}
	for _, option := range DurationOptions {
		if option <= months {
			options = append(options, option)
		}
	}
	return Durations{MaxMonths: months, Options: options}
}

// DefaultDurationMonths picks the longest offered option, or one month when none fits
func DefaultDurationMonths(d Durations) int {
	if len(d.Options) == 0 {
		return 1
	}
	return d.Options[len(d.Options)-1]
}

// IntakeDurationMonths is the duration quoted for content submitted before any name points at it
func (s *PinningService) IntakeDurationMonths() int {
	return DefaultDurationMonths(s.AvailableDurations(0, 0))
}

// ValidatePayment sums the outputs of paymentTxID and accepts it when the sum is within
// the payment tolerance of expected.
func (s *PinningService) ValidatePayment(ctx context.Context, paymentTxID string, expected decimal.Decimal) (decimal.Decimal, bool, error) {
	tx, err := s.txs.GetTransaction(ctx, paymentTxID)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to fetch payment %s: %w", paymentTxID, err)
	}

	total := decimal.Zero
	for _, out := range tx.Vout {
		total = total.Add(decimal.NewFromFloat(out.Value))
	}
	return total, total.Sub(expected).Abs().LessThanOrEqual(s.cfg.PaymentTolerance), nil
}

// PaymentRequired reports whether payment enforcement has started
func (s *PinningService) PaymentRequired() bool {
	return !s.now().Before(s.cfg.PaymentStartDate)
}

// PinContent measures cid, checks the payment carried by the name operation's transaction
// once enforcement has started, pins the content and records its metadata. Re-pinning
// overwrites the earlier record.
func (s *PinningService) PinContent(ctx context.Context, cid string, months int, nameOp *types.NameOperation) (*models.PinningMetadata, error) {
	if cid == "" {
		return nil, apperrors.NewInvalidContentReferenceError(cid, "empty content id")
	}

	size, err := s.MeasureSize(ctx, cid)
	if err != nil {
		return nil, err
	}
	fee := s.CalculateFee(size, months)

	now := s.now().UTC()
	metadata := &models.PinningMetadata{
		CID:            cid,
		Size:           size,
		PinDate:        now,
		ExpirationDate: now.AddDate(0, months, 0),
		Fee:            fee,
		RequirePayment: s.PaymentRequired(),
	}
	if nameOp != nil {
		metadata.NameID = nameOp.NameID
		metadata.FileName = fileName(nameOp)
	}

	if metadata.RequirePayment {
		if err := s.checkNamePayment(ctx, metadata, nameOp); err != nil {
			return nil, err
		}
	}

	if err := s.pin(ctx, cid); err != nil {
		return nil, err
	}
	if err := s.metadata.Put(ctx, metadata); err != nil {
		return nil, apperrors.NewStatePersistenceError("pinning metadata "+cid, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"cid":    cid,
		"nameId": metadata.NameID,
		"size":   size,
		"fee":    fee.String(),
		"months": months,
	}).Info("Pinned content")

	return metadata, nil
}

// checkNamePayment looks for an output to the collection address in the name operation's
// transaction, other than the name output itself, and requires it to cover the fee. Unlike
// ValidatePayment no tolerance applies: the payer sees the exact fee up front.
func (s *PinningService) checkNamePayment(ctx context.Context, metadata *models.PinningMetadata, nameOp *types.NameOperation) error {
	if nameOp == nil {
		return apperrors.NewInsufficientPaymentError(metadata.CID, "0", metadata.Fee.String())
	}

	tx, err := s.txs.GetTransaction(ctx, nameOp.Txid)
	if err != nil {
		return fmt.Errorf("failed to fetch name transaction %s: %w", nameOp.Txid, err)
	}

	paid := decimal.Zero
	for _, out := range tx.Vout {
		if out.N == nameOp.N || out.ScriptPubKey.PrimaryAddress() != s.cfg.CollectionAddress {
			continue
		}
		paid = decimal.NewFromFloat(out.Value)
		break
	}

	metadata.PaymentTxID = tx.Txid
	metadata.PaymentAmount = paid
	if paid.LessThan(metadata.Fee) {
		return apperrors.NewInsufficientPaymentError(metadata.CID, paid.String(), metadata.Fee.String())
	}
	metadata.PaymentSufficient = true
	return nil
}

// ShouldRemainPinned reports whether cid is still entitled to retention: it has not expired,
// payment was never required, or payment was sufficient. Unknown content is not retained.
func (s *PinningService) ShouldRemainPinned(ctx context.Context, cid string) (bool, error) {
	metadata, err := s.metadata.Get(ctx, cid)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return metadata.RemainPinned(s.now()), nil
}

// Metadata returns the pinning record for cid
func (s *PinningService) Metadata(ctx context.Context, cid string) (*models.PinningMetadata, error) {
	return s.metadata.Get(ctx, cid)
}

// RegisterIntake pins content submitted ahead of its name operation. The record expires
// after the provisional grace period unless a paid name operation pins it again.
func (s *PinningService) RegisterIntake(ctx context.Context, cid string, size int64, fee decimal.Decimal) (*models.PinningMetadata, error) {
	if err := s.pin(ctx, cid); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	metadata := &models.PinningMetadata{
		CID:            cid,
		Size:           size,
		PinDate:        now,
		ExpirationDate: now.Add(s.cfg.ProvisionalGrace),
		Fee:            fee,
		RequirePayment: true,
	}
	if err := s.metadata.Put(ctx, metadata); err != nil {
		return nil, apperrors.NewStatePersistenceError("pinning metadata "+cid, err)
	}
	return metadata, nil
}

// HandlePinTask pins the content a scanned name operation references. Failures are
// recorded in the failed-content list.
func (s *PinningService) HandlePinTask(ctx context.Context, task *models.PinTask) error {
	cid := task.ContentReference
	durations := s.AvailableDurations(task.NameOp.BlockHeight, task.TipHeight)

	var err error
	if len(durations.Options) == 0 {
		err = apperrors.NewInvalidContentReferenceError(task.NameOp.NameValue,
			fmt.Sprintf("name %s expired at tip %d", task.NameOp.NameID, task.TipHeight))
	} else {
		_, err = s.PinContent(ctx, cid, DefaultDurationMonths(durations), &task.NameOp)
	}

	if err != nil {
		if recErr := s.failures.Record(ctx, cid, err.Error()); recErr != nil {
			s.logger.WithField("cid", cid).WithError(recErr).Warn("Failed to record pin failure")
		}
		return err
	}

	if clrErr := s.failures.Clear(ctx, cid); clrErr != nil {
		s.logger.WithField("cid", cid).WithError(clrErr).Warn("Failed to clear pin failure")
	}
	return nil
}

// Open streams the content behind cid
func (s *PinningService) Open(ctx context.Context, cid string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		body, err = s.content.Stream(ctx, cid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// MeasureSize streams the content behind cid and returns its length in bytes
func (s *PinningService) MeasureSize(ctx context.Context, cid string) (int64, error) {
	var size int64
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		body, err := s.content.Stream(ctx, cid)
		if err != nil {
			return err
		}
		defer body.Close()
		size, err = io.Copy(io.Discard, body)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", cid, err)
	}
	return size, nil
}

func (s *PinningService) pin(ctx context.Context, cid string) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.content.Pin(ctx, cid)
	})
	if err != nil {
		return fmt.Errorf("failed to pin %s: %w", cid, err)
	}
	return nil
}

// fileName takes the path after the content id in the name value, falling back to the
// last segment of the name id.
func fileName(op *types.NameOperation) string {
	rest, ok := strings.CutPrefix(strings.TrimSpace(op.NameValue), types.ContentScheme)
	if ok {
		if _, p, found := strings.Cut(rest, "/"); found && p != "" {
			return path.Base(p)
		}
	}
	if _, name, found := strings.Cut(op.NameID, types.NamespaceDelimiter); found && name != "" {
		return path.Base(name)
	}
	return ""
}
