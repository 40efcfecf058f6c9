// Package jsonfile reads a cell payload from a JSON document on disk,
// optionally zstd-compressed.
//
// The document has the shape
//
//	{
//	  "genes": ["CD3D", "MS4A1"],
//	  "cells": [
//	    {"id": "AAAC", "e": [5, 2], "categorical": {"cellType": "T-cell"},
//	     "continuous": {"nGenes": 300}, "embedding": [0.1, -2.3]}
//	  ]
//	}
//
// "cellname" is accepted in place of "id", and ids may be numbers. A null in
// "e" or "continuous" is a missing value.
package jsonfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/cellview/internal/store"
)

type document struct {
	Genes []string          `json:"genes"`
	Cells []json.RawMessage `json:"cells"`
}

type cell struct {
	ID          json.RawMessage        `json:"id"`
	CellName    json.RawMessage        `json:"cellname"`
	E           []*float64             `json:"e"`
	Categorical map[string]interface{} `json:"categorical"`
	Continuous  map[string]*float64    `json:"continuous"`
	Embedding   []*float64             `json:"embedding"`
}

// Decode reads one document from r. A cell that cannot be read is kept as a
// malformed record so the rest of the document still loads.
func Decode(r io.Reader) (*store.Payload, error) {
	var doc document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode cells document: %w", err)
	}

	p := &store.Payload{
		Genes: doc.Genes,
		Cells: make([]store.CellPayload, len(doc.Cells)),
	}
	for i, raw := range doc.Cells {
		p.Cells[i] = decodeCell(raw)
	}
	return p, nil
}

func decodeCell(raw json.RawMessage) store.CellPayload {
	var c cell
	if err := json.Unmarshal(raw, &c); err != nil {
		id, _ := decodeID(pickID(c.ID, c.CellName))
		return store.CellPayload{ID: id, Malformed: fmt.Sprintf("unreadable record: %v", err)}
	}
	id, err := decodeID(pickID(c.ID, c.CellName))
	if err != nil {
		return store.CellPayload{Malformed: err.Error()}
	}

	out := store.CellPayload{ID: id}
	if c.Embedding != nil {
		out.Embedding = make([]float64, len(c.Embedding))
		for j, v := range c.Embedding {
			if v == nil {
				out.Malformed = fmt.Sprintf("embedding coordinate %d is null", j)
				return out
			}
			out.Embedding[j] = *v
		}
	}
	if c.E != nil {
		out.Expression = make([]float64, len(c.E))
		for j, v := range c.E {
			if v == nil {
				out.Expression[j] = math.NaN()
			} else {
				out.Expression[j] = *v
			}
		}
	}
	if len(c.Categorical) > 0 {
		out.Categorical = make(map[string]string, len(c.Categorical))
		for k, v := range c.Categorical {
			if s, ok := categoricalString(v); ok {
				out.Categorical[k] = s
			}
		}
	}
	if len(c.Continuous) > 0 {
		out.Continuous = make(map[string]float64, len(c.Continuous))
		for k, v := range c.Continuous {
			if v != nil {
				out.Continuous[k] = *v
			}
		}
	}
	return out
}

func pickID(id, cellName json.RawMessage) json.RawMessage {
	if len(id) == 0 || string(id) == "null" {
		return cellName
	}
	return id
}

// decodeID accepts a string or a number. An absent id decodes to "" and is
// rejected later as a malformed record.
func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %s", raw)
	}
	return n.String(), nil
}

func categoricalString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}

// Source reads a document from a file. Paths ending in .zst are
// zstd-compressed.
type Source struct {
	path string
}

// NewSource returns a source for path.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// Name returns the file path.
func (s *Source) Name() string { return "file:" + s.path }

// Fetch reads and decodes the file.
func (s *Source) Fetch(ctx context.Context) (*store.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(s.path, ".zst") {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Decode(r)
}
