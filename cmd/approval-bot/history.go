package main

import (
	"encoding/json"
	"io"

	"github.com/opsdesk/approval-bot/internal/model"
)

type recordLoader interface {
	LoadAll() []model.Record
}

func writeHistory(w io.Writer, store recordLoader) error {
	enc := json.NewEncoder(w)
	for _, r := range store.LoadAll() {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
