package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	gocid "github.com/ipfs/go-cid"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/nameop-indexer/internal/config"
	apperrors "github.com/nameop-indexer/internal/errors"
)

// Node error texts that describe the requested content rather than the node
var (
	invalidContentMessages = []string{"invalid path", "invalid cid", "invalid ipfs path", "selected encoding not supported"}
	missingContentMessages = []string{"not found", "no link named"}
)

// IPFSStore is the content store, backed by an IPFS node's HTTP API
type IPFSStore struct {
	shell *shell.Shell
}

// NewIPFSStore creates a content store for the node at cfg.APIURL
func NewIPFSStore(cfg *config.IPFSConfig) *IPFSStore {
	sh := shell.NewShell(cfg.APIURL)
	if cfg.Timeout > 0 {
		sh.SetTimeout(cfg.Timeout)
	}
	return &IPFSStore{shell: sh}
}

// Add stores r and returns its content id. The content is pinned on add.
func (s *IPFSStore) Add(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cid, err := s.shell.Add(r, shell.Pin(true))
	if err != nil {
		return "", fmt.Errorf("failed to add content: %w", err)
	}
	return cid, nil
}

// Stream opens the content behind cid. The caller closes the reader.
// A malformed cid fails with InvalidContentReference before the node is asked.
func (s *IPFSStore) Stream(ctx context.Context, cid string) (io.ReadCloser, error) {
	if err := validateCID(cid); err != nil {
		return nil, err
	}
	resp, err := s.shell.Request("cat", cid).Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stream %s: %w", cid, err)
	}
	if resp.Error != nil {
		_ = resp.Close()
		return nil, fmt.Errorf("failed to stream %s: %w", cid, classifyNodeError(cid, resp.Error))
	}
	return resp.Output, nil
}

// Pin pins cid recursively
func (s *IPFSStore) Pin(ctx context.Context, cid string) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	if err := s.shell.Request("pin/add", cid).Option("recursive", true).Exec(ctx, nil); err != nil {
		return fmt.Errorf("failed to pin %s: %w", cid, classifyNodeError(cid, err))
	}
	return nil
}

// Unpin removes the recursive pin on cid
func (s *IPFSStore) Unpin(ctx context.Context, cid string) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	if err := s.shell.Request("pin/rm", cid).Option("recursive", true).Exec(ctx, nil); err != nil {
		return fmt.Errorf("failed to unpin %s: %w", cid, classifyNodeError(cid, err))
	}
	return nil
}

func validateCID(cid string) error {
	if _, err := gocid.Decode(cid); err != nil {
		return apperrors.NewInvalidContentReferenceError(cid, err.Error())
	}
	return nil
}

// classifyNodeError maps an error the node answered with onto the error taxonomy.
// Transport failures are returned unchanged.
func classifyNodeError(cid string, err error) error {
	var nodeErr *shell.Error
	if !errors.As(err, &nodeErr) {
		return err
	}
	msg := strings.ToLower(nodeErr.Message)
	for _, m := range invalidContentMessages {
		if strings.Contains(msg, m) {
			return apperrors.NewInvalidContentReferenceError(cid, nodeErr.Message)
		}
	}
	for _, m := range missingContentMessages {
		if strings.Contains(msg, m) {
			return apperrors.NewNotFoundError("content", cid)
		}
	}
	return err
}

// ListPinned returns the recursively pinned content ids, sorted
func (s *IPFSStore) ListPinned(ctx context.Context) ([]string, error) {
	var raw struct {
		Keys map[string]shell.PinInfo
	}
	if err := s.shell.Request("pin/ls").Option("type", shell.RecursivePin).Exec(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to list pins: %w", err)
	}

	cids := make([]string, 0, len(raw.Keys))
	for cid := range raw.Keys {
		cids = append(cids, cid)
	}
	sort.Strings(cids)
	return cids, nil
}

// Ping checks that the node answers
func (s *IPFSStore) Ping(ctx context.Context) error {
	var out struct {
		Version string
	}
	if err := s.shell.Request("version").Exec(ctx, &out); err != nil {
		return fmt.Errorf("content store unreachable: %w", err)
	}
	return nil
}
