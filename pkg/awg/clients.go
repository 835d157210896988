package awg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// ErrMetadataCorrupt means the client list exists but is not a JSON array of
// client entries.
var ErrMetadataCorrupt = errors.New("client metadata is corrupt")

// CreationDateLayout is the timestamp format the companion app writes.
const CreationDateLayout = "Mon Jan 02 15:04:05 2006"

// ClientEntry is one row of the companion app's client list.
type ClientEntry struct {
	ClientID     string `json:"clientId"`
	ClientName   string `json:"clientName"`
	CreationDate string `json:"creationDate"`
}

type tableRow struct {
	ClientEntry
	// raw is the entry as read from disk; it is written back untouched so
	// fields this program does not know survive a rewrite.
	raw json.RawMessage
}

// Table is an in-memory snapshot of the client list.
type Table struct {
	rows []tableRow
}

// ParseTable decodes the client list. Empty input is an empty table.
func ParseTable(data []byte) (Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Table{}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
	}
	t := Table{rows: make([]tableRow, 0, len(raws))}
	for i, raw := range raws {
		var e struct {
			ClientID string `json:"clientId"`
			UserData struct {
				ClientName   string `json:"clientName"`
				CreationDate string `json:"creationDate"`
			} `json:"userData"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return Table{}, fmt.Errorf("%w: entry %d: %v", ErrMetadataCorrupt, i, err)
		}
		t.rows = append(t.rows, tableRow{
			ClientEntry: ClientEntry{
				ClientID:     e.ClientID,
				ClientName:   e.UserData.ClientName,
				CreationDate: e.UserData.CreationDate,
			},
			raw: raw,
		})
	}
	return t, nil
}

// Encode renders the table as 4-space indented JSON without HTML escaping.
func (t Table) Encode() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(t.rows))
	for _, r := range t.rows {
		if r.raw != nil {
			raws = append(raws, r.raw)
			continue
		}
		var userData struct {
			ClientName   string `json:"clientName"`
			CreationDate string `json:"creationDate"`
		}
		userData.ClientName = r.ClientName
		userData.CreationDate = r.CreationDate
		b, err := marshalNoEscape(struct {
			ClientID string `json:"clientId"`
			UserData any    `json:"userData"`
		}{r.ClientID, userData})
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(raws); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (t Table) Len() int { return len(t.rows) }

func (t Table) Entries() []ClientEntry {
	out := make([]ClientEntry, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r.ClientEntry)
	}
	return out
}

func (t Table) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Get returns the first entry for key.
func (t Table) Get(key string) (ClientEntry, bool) {
	for _, r := range t.rows {
		if r.ClientID == key {
			return r.ClientEntry, true
		}
	}
	return ClientEntry{}, false
}

// Keys returns the set of client ids in the table.
func (t Table) Keys() PeerSet {
	s := make(PeerSet, len(t.rows))
	for _, r := range t.rows {
		s.Add(r.ClientID)
	}
	return s
}

// Add appends a new entry. It does not check for duplicates.
func (t *Table) Add(e ClientEntry) {
	t.rows = append(t.rows, tableRow{ClientEntry: e})
}

// RemoveWhere drops every entry drop matches and returns the dropped ones.
func (t *Table) RemoveWhere(drop func(ClientEntry) bool) []ClientEntry {
	var removed []ClientEntry
	kept := t.rows[:0]
	for _, r := range t.rows {
		if drop(r.ClientEntry) {
			removed = append(removed, r.ClientEntry)
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return removed
}

// ClientsTable reads and rewrites the client list file on the daemon host.
// Callers serialize writes; the Mutator does so for the engine.
type ClientsTable struct {
	Host Host
	Path string
	Now  func() time.Time
}

func NewClientsTable(host Host, path string) *ClientsTable {
	return &ClientsTable{Host: host, Path: path, Now: time.Now}
}

// Load reads the table. A missing file is an empty table. An unparsable file
// is an empty table together with an error wrapping ErrMetadataCorrupt.
func (c *ClientsTable) Load(ctx context.Context) (Table, error) {
	data, err := c.Host.ReadFile(ctx, c.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Table{}, nil
	}
	if err != nil {
		return Table{}, fmt.Errorf("read client metadata: %w", err)
	}
	return ParseTable(data)
}

// Upsert adds an entry for publicKey unless one already exists. It reports
// whether an entry was added. A corrupt file is replaced by a fresh table;
// the entry is then added and the returned error wraps ErrMetadataCorrupt so
// the caller can warn about the discarded content.
func (c *ClientsTable) Upsert(ctx context.Context, publicKey, name string) (bool, error) {
	t, err := c.Load(ctx)
	corrupt := errors.Is(err, ErrMetadataCorrupt)
	if err != nil && !corrupt {
		return false, err
	}
	if t.Has(publicKey) {
		return false, nil
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t.Add(ClientEntry{
		ClientID:     publicKey,
		ClientName:   name,
		CreationDate: now().Format(CreationDateLayout),
	})
	if err := c.save(ctx, t); err != nil {
		return false, err
	}
	if corrupt {
		return true, fmt.Errorf("replaced unreadable client metadata: %w", ErrMetadataCorrupt)
	}
	return true, nil
}

// Remove drops the entries for keys and returns how many were removed. The
// file is only rewritten when something matched.
func (c *ClientsTable) Remove(ctx context.Context, keys ...string) (int, error) {
	drop := NewPeerSet(keys...)
	removed, err := c.RemoveWhere(ctx, func(e ClientEntry) bool { return drop.Has(e.ClientID) })
	return len(removed), err
}

// RemoveWhere drops every matching entry in a single rewrite. A corrupt
// table is left alone and reported.
func (c *ClientsTable) RemoveWhere(ctx context.Context, drop func(ClientEntry) bool) ([]ClientEntry, error) {
	t, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	removed := t.RemoveWhere(drop)
	if len(removed) == 0 {
		return nil, nil
	}
	if err := c.save(ctx, t); err != nil {
		return nil, err
	}
	return removed, nil
}

func (c *ClientsTable) save(ctx context.Context, t Table) error {
	data, err := t.Encode()
	if err != nil {
		return fmt.Errorf("encode client metadata: %w", err)
	}
	if err := c.Host.InstallFile(ctx, c.Path, data); err != nil {
		return fmt.Errorf("write client metadata: %w", err)
	}
	return nil
}
