package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Known metadata keys. Parsers and enrichment stages only write these; any
// other key comes from a normalization rule extraction.
const (
	MetaRawAction    = "raw_action"
	MetaRawDetails   = "raw_details"
	MetaRawMessage   = "raw_message"
	MetaRawLine      = "raw_line"
	MetaColE         = "col_e"
	MetaState        = "state"
	MetaIsOperator   = "is_operator"
	MetaCatalogLabel = "catalog_label"
	MetaTicketCode   = "ticket_code"
	MetaActor        = "actor"
	MetaZoneID       = "zone_id"
)

// Metadata is a string map that remembers insertion order, so persisted and
// published payloads are stable.
type Metadata struct {
	keys   []string
	values map[string]string
}

func NewMetadata(pairs ...string) Metadata {
	var m Metadata
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m Metadata) Value(key string) string {
	return m.values[key]
}

func (m *Metadata) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m Metadata) Len() int {
	return len(m.keys)
}

func (m Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m Metadata) Clone() Metadata {
	var out Metadata
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metadata: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// Non-string values (booleans, numbers) are kept as their JSON text.
			s = string(raw)
		}
		m.Set(key, s)
	}
	_, err = dec.Token()
	return err
}
