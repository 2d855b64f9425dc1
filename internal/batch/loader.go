package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"unicode"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
)

const maxLineSize = 8 << 20

// Format names accepted by LoaderConfig.Format.
const (
	FormatAuto  = "auto"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
)

// LoaderConfig names the record fields carrying the tenant key, timestamp and
// message text, and the expected source format.
type LoaderConfig struct {
	Format         string
	TenantField    string
	TimestampField string
	MessageField   string
}

// Loader parses batch sources into Records.
type Loader struct {
	cfg LoaderConfig
}

func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Format == "" {
		cfg.Format = FormatAuto
	}
	if cfg.TenantField == "" {
		cfg.TenantField = "tenantKey"
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "timestamp"
	}
	if cfg.MessageField == "" {
		cfg.MessageField = "message"
	}
	return &Loader{cfg: cfg}
}

// LoadFile opens path and parses it with Load. A missing file is an I/O
// failure, not malformed input.
func (l *Loader) LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrIO, http.StatusInternalServerError, "opening batch input %s: %v", path, err)
	}
	defer f.Close()
	return l.Load(f)
}

// Load parses r as a JSON array of objects or as JSON Lines. Any syntax
// error, non-object element, or missing/empty tenant key or timestamp fails
// the whole batch with ErrMalformedInput.
func (l *Loader) Load(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	format := l.cfg.Format
	if format == FormatAuto {
		first, err := peekNonSpace(br)
		if err == io.EOF {
			return nil, malformed("batch input is empty")
		}
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrIO, http.StatusInternalServerError, "reading batch input: %v", err)
		}
		format = FormatJSONL
		if first == '[' {
			format = FormatJSON
		}
	}

	var raws []json.RawMessage
	var err error
	switch format {
	case FormatJSON:
		raws, err = readArray(br)
	case FormatJSONL:
		raws, err = readLines(br)
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := l.decodeRecord(raw)
		if err != nil {
			return nil, malformed(fmt.Sprintf("record %d: %v", i, err))
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *Loader) decodeRecord(raw json.RawMessage) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return Record{}, fmt.Errorf("not a JSON object")
	}
	tenant, err := requiredString(fields, l.cfg.TenantField)
	if err != nil {
		return Record{}, err
	}
	ts, err := requiredString(fields, l.cfg.TimestampField)
	if err != nil {
		return Record{}, err
	}
	msg, _ := fields[l.cfg.MessageField].(string)
	return Record{
		TenantKey: tenant,
		Timestamp: ts,
		Message:   msg,
		Fields:    fields,
	}, nil
}

func requiredString(fields map[string]any, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("field %q is required", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", name)
	}
	if s == "" {
		return "", fmt.Errorf("field %q must not be empty", name)
	}
	return s, nil
}

func readArray(r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)
	var raws []json.RawMessage
	if err := dec.Decode(&raws); err != nil {
		return nil, malformed(fmt.Sprintf("decoding JSON array: %v", err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed("unexpected data after JSON array")
	}
	return raws, nil
}

func readLines(r io.Reader) ([]json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var raws []json.RawMessage
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return nil, malformed(fmt.Sprintf("line %d is not valid JSON", line))
		}
		raws = append(raws, append(json.RawMessage(nil), b...))
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed(fmt.Sprintf("reading JSON lines: %v", err))
	}
	return raws, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !unicode.IsSpace(rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

func malformed(msg string) error {
	return apperrors.New(apperrors.ErrMalformedInput, http.StatusBadRequest, msg)
}
