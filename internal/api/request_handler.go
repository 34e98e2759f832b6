package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/storage"
	"github.com/nameop-indexer/internal/types"
)

// Message types exchanged on the request channel
const (
	MessageList      = "LIST"
	MessageResponse  = "RESPONSE"
	MessageNone      = "NONE"
	MessageCIDPinned = "CID-PINNED"
	MessageAddingCID = "ADDING-CID"
	MessageAddedCID  = "ADDED-CID"

	// NewCIDPrefix starts a bare-text intake request
	NewCIDPrefix = "NEW-CID:"
	// LatestDate selects the most recent operations instead of one day
	LatestDate = "LAST"
)

// maxInspectBytes bounds how much content is held in memory for classification
const maxInspectBytes = 4 << 20

// secondaryFields are the metadata fields that may reference further content
var secondaryFields = []string{"image", "animation_url", "file", "content"}

// MessageBus is the messaging channel the handler listens and replies on
type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, pattern string) (*storage.Subscription, error)
}

// IntakeService is the part of the pinning service used by the NEW-CID flow
type IntakeService interface {
	Metadata(ctx context.Context, cid string) (*models.PinningMetadata, error)
	Open(ctx context.Context, cid string) (io.ReadCloser, error)
	MeasureSize(ctx context.Context, cid string) (int64, error)
	CalculateFee(sizeBytes int64, months int) decimal.Decimal
	IntakeDurationMonths() int
	RegisterIntake(ctx context.Context, cid string, size int64, fee decimal.Decimal) (*models.PinningMetadata, error)
}

// RequestHandlerConfig holds request handler configuration
type RequestHandlerConfig struct {
	TopicPrefix      string
	ListLookbackDays int
	DefaultPageSize  int
	// Concurrency bounds how many requests are served at once
	Concurrency int
}

// ListRequest asks for name operations of a day, or the most recent ones
type ListRequest struct {
	Type       string `json:"type"`
	DateString string `json:"dateString,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
	From       int    `json:"from,omitempty"`
	Filter     string `json:"filter,omitempty"`
}

// ListResponse answers a ListRequest. NameOps is omitted for NONE.
type ListResponse struct {
	Type       string                `json:"type"`
	DateString string                `json:"dateString"`
	NameOps    []types.NameOperation `json:"nameOps,omitempty"`
}

// PinnedReply answers NEW-CID for content that is already pinned
type PinnedReply struct {
	Type          string `json:"type"`
	CID           string `json:"cid"`
	NameID        string `json:"nameId,omitempty"`
	Pinned        bool   `json:"pinned"`
	ExpiresInDays int    `json:"expiresInDays"`
}

// FeeQuote is the fee part of an ADDING-CID reply
type FeeQuote struct {
	Amount         decimal.Decimal `json:"amount"`
	DurationMonths int             `json:"durationMonths"`
}

// SizeBreakdown is the size part of an ADDING-CID reply
type SizeBreakdown struct {
	Total     int64 `json:"total"`
	Metadata  int64 `json:"metadata"`
	Secondary int64 `json:"secondary"`
}

// AddingReply reports the fee and size of newly submitted content
type AddingReply struct {
	Type string        `json:"type"`
	CID  string        `json:"cid"`
	Kind string        `json:"kind"`
	Fee  FeeQuote      `json:"fee"`
	Size SizeBreakdown `json:"size"`
}

// AddedReply marks the end of the intake flow
type AddedReply struct {
	Type string `json:"type"`
	CID  string `json:"cid"`
}

// RequestHandler answers LIST and NEW-CID requests arriving on the messaging channel.
// It keeps no state between messages.
type RequestHandler struct {
	bus    MessageBus
	daily  DailyReader
	intake IntakeService
	config RequestHandlerConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(bus MessageBus, daily DailyReader, intake IntakeService, config RequestHandlerConfig) *RequestHandler {
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = 100
	}
	if config.ListLookbackDays <= 0 {
		config.ListLookbackDays = 30
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &RequestHandler{
		bus:    bus,
		daily:  daily,
		intake: intake,
		config: config,
		logger: logging.Component("request_handler"),
		now:    time.Now,
	}
}

// Run subscribes to every topic under the prefix and serves messages until ctx is done
func (h *RequestHandler) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(ctx, h.config.TopicPrefix+"*")
	if err != nil {
		return err
	}
	defer sub.Close()

	h.logger.WithField("prefix", h.config.TopicPrefix).Info("Listening for requests")
	return h.Serve(ctx, sub.C)
}

// Serve handles messages from msgs until it is closed or ctx is done. In-flight
// requests finish before Serve returns.
func (h *RequestHandler) Serve(ctx context.Context, msgs <-chan storage.Message) error {
	group := &errgroup.Group{}
	group.SetLimit(h.config.Concurrency)
	defer func() { _ = group.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			group.Go(func() error {
				h.Handle(ctx, msg)
				return nil
			})
		}
	}
}

// Handle answers one message. Malformed and unrelated payloads are ignored.
func (h *RequestHandler) Handle(ctx context.Context, msg storage.Message) {
	text := strings.TrimSpace(string(msg.Data))
	logger := h.logger.WithField("topic", msg.Topic)

	if cid, ok := strings.CutPrefix(text, NewCIDPrefix); ok {
		cid = strings.TrimSpace(cid)
		if cid == "" {
			logger.Debug("Ignoring NEW-CID without a content id")
			return
		}
		if err := h.handleNewCID(ctx, msg.Topic, cid); err != nil {
			logger.WithField("cid", cid).WithError(err).Warn("Failed to handle new content")
		}
		return
	}

	if !strings.HasPrefix(text, "{") {
		logger.Debug("Ignoring non-JSON message")
		return
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		logger.WithError(err).Debug("Ignoring malformed message")
		return
	}
	if envelope.Type != MessageList {
		return
	}

	var req ListRequest
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		logger.WithError(err).Debug("Ignoring malformed LIST request")
		return
	}
	if err := h.handleList(ctx, msg.Topic, &req); err != nil {
		logger.WithError(err).Warn("Failed to answer LIST request")
	}
}

func (h *RequestHandler) handleList(ctx context.Context, topic string, req *ListRequest) error {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = h.config.DefaultPageSize
	}
	from := max(req.From, 0)

	latest := req.DateString == "" || strings.EqualFold(req.DateString, LatestDate)
	dateString := req.DateString
	if latest {
		dateString = LatestDate
	} else if _, err := time.Parse(types.DateLayout, req.DateString); err != nil {
		h.logger.WithField("dateString", req.DateString).Debug("Ignoring LIST with an unparseable date")
		return nil
	}

	var ops []types.NameOperation
	var err error
	if latest {
		ops, err = h.recentOperations(ctx, req.Filter, from+pageSize)
	} else {
		ops, err = h.dayOperations(ctx, req.DateString, req.Filter)
	}
	if err != nil {
		return err
	}

	if from >= len(ops) {
		return h.reply(ctx, topic, ListResponse{Type: MessageNone, DateString: dateString})
	}
	end := min(from+pageSize, len(ops))

	return h.reply(ctx, topic, ListResponse{
		Type:       MessageResponse,
		DateString: dateString,
		NameOps:    ops[from:end],
	})
}

// recentOperations walks the newest days until it has at least want matching operations
func (h *RequestHandler) recentOperations(ctx context.Context, filter string, want int) ([]types.NameOperation, error) {
	dates, err := h.daily.RecentDates(ctx, h.config.ListLookbackDays)
	if err != nil {
		return nil, err
	}

	var ops []types.NameOperation
	for _, date := range dates {
		dayOps, err := h.dayOperations(ctx, date, filter)
		if err != nil {
			h.logger.WithField("date", date).WithError(err).Warn("Skipping unreadable daily record")
			continue
		}
		ops = append(ops, dayOps...)
		if len(ops) >= want {
			break
		}
	}
	return ops, nil
}

// dayOperations returns the matching operations of one day, newest block first
func (h *RequestHandler) dayOperations(ctx context.Context, date, filter string) ([]types.NameOperation, error) {
	record, err := h.daily.Resolve(ctx, date)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	filter = strings.ToLower(filter)
	ops := make([]types.NameOperation, 0, len(record.NameOps))
	for _, op := range record.NameOps {
		if filter == "" ||
			strings.Contains(strings.ToLower(op.NameID), filter) ||
			strings.Contains(strings.ToLower(op.NameValue), filter) {
			ops = append(ops, op)
		}
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].BlockHeight > ops[j].BlockHeight })
	return ops, nil
}

func (h *RequestHandler) handleNewCID(ctx context.Context, topic, cid string) error {
	existing, err := h.intake.Metadata(ctx, cid)
	switch {
	case err == nil:
		return h.reply(ctx, topic, PinnedReply{
			Type:          MessageCIDPinned,
			CID:           cid,
			NameID:        existing.NameID,
			Pinned:        true,
			ExpiresInDays: existing.DaysRemaining(h.now()),
		})
	case !apperrors.IsNotFound(err):
		return fmt.Errorf("failed to look up %s: %w", cid, err)
	}

	head, size, err := h.inspect(ctx, cid)
	if err != nil {
		return err
	}

	kind := "raw"
	var secondary int64
	if ref, ok := metadataReference(head); ok {
		kind = "metadata"
		if ref != "" && ref != cid {
			secondary, err = h.intake.MeasureSize(ctx, ref)
			if err != nil {
				h.logger.WithFields(map[string]interface{}{
					"cid":       cid,
					"secondary": ref,
				}).WithError(err).Warn("Failed to measure referenced content")
				secondary = 0
			}
		}
	}

	total := size + secondary
	months := h.intake.IntakeDurationMonths()
	fee := h.intake.CalculateFee(total, months)

	err = h.reply(ctx, topic, AddingReply{
		Type: MessageAddingCID,
		CID:  cid,
		Kind: kind,
		Fee:  FeeQuote{Amount: fee, DurationMonths: months},
		Size: SizeBreakdown{Total: total, Metadata: size, Secondary: secondary},
	})
	if err != nil {
		return err
	}

	if _, err := h.intake.RegisterIntake(ctx, cid, total, fee); err != nil {
		return err
	}
	return h.reply(ctx, topic, AddedReply{Type: MessageAddedCID, CID: cid})
}

// inspect reads the head of cid for classification and counts its full size
func (h *RequestHandler) inspect(ctx context.Context, cid string) ([]byte, int64, error) {
	body, err := h.intake.Open(ctx, cid)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	head, err := io.ReadAll(io.LimitReader(body, maxInspectBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", cid, err)
	}
	rest, err := io.Copy(io.Discard, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", cid, err)
	}
	return head, int64(len(head)) + rest, nil
}

// metadataReference reports whether data is a JSON metadata document and returns the
// first content id one of its secondary fields references.
func metadataReference(data []byte) (string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return "", false
	}

	for _, field := range secondaryFields {
		value, ok := doc[field].(string)
		if !ok {
			continue
		}
		if ref, ok := types.ParseContentReference(value); ok {
			return ref, true
		}
	}
	return "", true
}

func (h *RequestHandler) reply(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	if err := h.bus.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}
