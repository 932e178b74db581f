// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbitflow

import (
	"context"

	"github.com/GwynCerbin/rabbitflow/pkg/adapter"
)

// Handler processes one message. It may settle the message itself.
type Handler func(ctx context.Context, msg *adapter.Message) error

type Router map[string]Handler

func NewRouter() Router {
	return make(Router)
}

func (r Router) Add(key string, f Handler) {
	r[key] = f
}
