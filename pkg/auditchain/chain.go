// Package auditchain implements hash-chained, append-only JSONL event
// files and their offline verifier.
package auditchain

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keel-labs/keel/pkg/canonical"
)

// Genesis is the prev_hash sentinel of the first record.
const Genesis = "genesis"

var (
	// ErrNotMap is returned when an appended record is not a JSON object.
	ErrNotMap = errors.New("auditchain: record must be an object")

	// ErrReservedField is returned when an appended record already carries
	// a chain envelope.
	ErrReservedField = errors.New("auditchain: record must not carry a chain field")
)

// Validator inspects a candidate record against the chain's full history
// before anything is written. Specializations install their event rules
// through this hook.
type Validator func(record canonical.Value, history []canonical.Value) error

// Finding is one verification defect, pinned to a 1-based line number.
type Finding struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Finding codes.
const (
	FindingPrevMismatch = "CHAIN_PREV_MISMATCH"
	FindingHashMismatch = "CHAIN_HASH_MISMATCH"
	FindingEnvelope     = "CHAIN_ENVELOPE_MALFORMED"
	FindingEventInvalid = "CHAIN_EVENT_INVALID"
)

// Chain is a single-writer append-only event file. Every record is wrapped
// in a chain envelope linking it to its predecessor.
type Chain struct {
	mu         sync.Mutex
	path       string
	head       string
	records    []canonical.Value
	validators []Validator
	clock      func() time.Time
	logger     *slog.Logger
}

// Open loads an existing chain file, or prepares a fresh one, and installs
// the given validators for subsequent appends. The history is replayed so
// cross-reference validators see every prior event.
func Open(path string, validators ...Validator) (*Chain, error) {
	c := &Chain{
		path:       path,
		head:       Genesis,
		validators: validators,
		clock:      time.Now,
		logger:     slog.Default(),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("auditchain: open %s: %w", path, err)
	}
	records, err := decodeLines(raw)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		env, err := envelopeOf(rec)
		if err != nil {
			return nil, fmt.Errorf("auditchain: %s: %w", path, err)
		}
		c.records = append(c.records, rec)
		c.head = env.hash
	}
	return c, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// WithLogger overrides the chain's logger.
func (c *Chain) WithLogger(logger *slog.Logger) *Chain {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Head returns the current head hash, or the genesis sentinel when empty.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Len returns the number of chained records.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns the replayed history in append order. Callers must not
// mutate the returned values.
func (c *Chain) Records() []canonical.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]canonical.Value, len(c.records))
	copy(out, c.records)
	return out
}

// Append validates the record fully, wraps it in a chain envelope, and
// writes one JSONL line with fsync. All-or-nothing: any validation or
// encoding failure leaves the file untouched. Returns the new head hash.
func (c *Chain) Append(record canonical.Value) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, ok := record.MapVal()
	if !ok {
		return "", ErrNotMap
	}
	if _, has := body["chain"]; has {
		return "", ErrReservedField
	}
	for _, validate := range c.validators {
		if err := validate(record, c.records); err != nil {
			return "", err
		}
	}

	chained, digest := seal(record, c.head)
	line := canonical.Canonicalize(chained)

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("auditchain: open %s: %w", c.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("auditchain: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("auditchain: fsync: %w", err)
	}

	c.records = append(c.records, chained)
	c.head = digest
	c.logger.Debug("chain record appended",
		"file", filepath.Base(c.path), "line", len(c.records), "hash", digest)
	return digest, nil
}

// seal wraps a record in its chain envelope and returns the wrapped value
// plus its hash. The hash covers the record with prev_hash present and the
// hash field absent.
func seal(record canonical.Value, prev string) (canonical.Value, string) {
	withPrev := withChain(record, prev, "")
	digest := chainHash(withPrev, prev)
	return withChain(record, prev, digest), digest
}

// chainHash computes sha256(prev + ":" + sha256(canonical(record minus
// chain.hash))). record must already carry chain.prev_hash.
func chainHash(record canonical.Value, prev string) string {
	stripped := withoutChainHash(record)
	inner := canonical.HashBytes(canonical.Canonicalize(stripped))
	return canonical.HashBytes([]byte(prev + ":" + inner))
}

func withChain(record canonical.Value, prev, hash string) canonical.Value {
	body, _ := record.MapVal()
	out := make(map[string]canonical.Value, len(body)+1)
	for k, v := range body {
		out[k] = v.Clone()
	}
	env := map[string]canonical.Value{"prev_hash": canonical.Str(prev)}
	if hash != "" {
		env["hash"] = canonical.Str(hash)
	}
	out["chain"] = canonical.Map(env)
	return canonical.Map(out)
}

// withoutChainHash returns the record with chain.hash removed but
// chain.prev_hash kept.
func withoutChainHash(record canonical.Value) canonical.Value {
	body, _ := record.MapVal()
	out := make(map[string]canonical.Value, len(body))
	for k, v := range body {
		if k != "chain" {
			out[k] = v
			continue
		}
		chain, _ := v.MapVal()
		env := make(map[string]canonical.Value, len(chain))
		for ck, cv := range chain {
			if ck != "hash" {
				env[ck] = cv
			}
		}
		out[k] = canonical.Map(env)
	}
	return canonical.Map(out)
}

type chainEnvelope struct {
	prevHash string
	hash     string
}

func envelopeOf(record canonical.Value) (chainEnvelope, error) {
	chain, ok := record.Get("chain")
	if !ok {
		return chainEnvelope{}, errors.New("record has no chain envelope")
	}
	prev, ok1 := chain.Get("prev_hash")
	hash, ok2 := chain.Get("hash")
	if !ok1 || !ok2 {
		return chainEnvelope{}, errors.New("chain envelope missing prev_hash or hash")
	}
	prevStr, ok1 := prev.StrVal()
	hashStr, ok2 := hash.StrVal()
	if !ok1 || !ok2 {
		return chainEnvelope{}, errors.New("chain envelope fields must be strings")
	}
	return chainEnvelope{prevHash: prevStr, hash: hashStr}, nil
}

// Verify re-reads a chain file in order, recomputes every hash, and
// reports each break with its line number. Optional validators replay a
// specialization's event rules over every record against its prior
// history, so a file rewritten with valid hashes but invalid events still
// fails. An unreadable file or undecodable line is a contract error, not a
// finding.
func Verify(path string, validators ...Validator) ([]Finding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auditchain: read %s: %w", path, err)
	}
	records, err := decodeLines(raw)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	prev := Genesis
	for i, rec := range records {
		line := i + 1
		env, envErr := envelopeOf(rec)
		if envErr != nil {
			findings = append(findings, Finding{Line: line, Code: FindingEnvelope, Message: envErr.Error()})
			// Without an envelope there is no hash to carry forward.
			prev = ""
		} else {
			if env.prevHash != prev {
				findings = append(findings, Finding{Line: line, Code: FindingPrevMismatch,
					Message: fmt.Sprintf("prev_hash %s does not match predecessor %s", env.prevHash, prev)})
			} else if want := chainHash(rec, env.prevHash); want != env.hash {
				// Only recompute against a correctly linked predecessor; a
				// prev break already explains the line.
				findings = append(findings, Finding{Line: line, Code: FindingHashMismatch,
					Message: fmt.Sprintf("recorded hash %s, recomputed %s", env.hash, want)})
			}
			prev = env.hash
		}
		for _, validate := range validators {
			if err := validate(rec, records[:i]); err != nil {
				findings = append(findings, Finding{Line: line, Code: FindingEventInvalid, Message: err.Error()})
			}
		}
	}
	return findings, nil
}

func decodeLines(raw []byte) ([]canonical.Value, error) {
	var records []canonical.Value
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		v, err := canonical.FromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("auditchain: line %d: %w", lineNo, err)
		}
		records = append(records, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("auditchain: scan: %w", err)
	}
	return records, nil
}
