package worker

import (
	"context"

	"github.com/skyborne/offline-hub/internal/clients"
	"github.com/skyborne/offline-hub/internal/lifecycle"
)

// Status 汇总生命周期、存储中的 generation 与已知客户端。
type Status struct {
	lifecycle.Status
	Stored  []string         `json:"stored_generations"`
	Clients []clients.Client `json:"clients"`
}

// Status 读取诊断信息；列出 generation 失败时返回错误。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	names, err := w.store.Names(ctx)
	if err != nil {
		return Status{}, err
	}
	if names == nil {
		names = []string{}
	}
	return Status{
		Status:  w.controller.Status(),
		Stored:  names,
		Clients: w.clients.List(),
	}, nil
}
