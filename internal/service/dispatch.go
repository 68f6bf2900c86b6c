package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/messagequeue"
)

// Dispatcher hands an Action in processing to the external executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *action.Action) error
}

// QueueDispatcher publishes Actions on actions.dispatch.
type QueueDispatcher struct {
	queue messagequeue.Queue
}

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(queue messagequeue.Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

// Dispatch implements Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, a *action.Action) error {
	data, err := json.Marshal(messagequeue.ActionDispatchPayload{
		ActionID:  a.ID,
		AccountID: a.AccountID,
		ThreadID:  a.ThreadID,
		MessageID: a.MessageID,
		Type:      a.Type,
		Payload:   a.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	return d.queue.Publish(ctx, messagequeue.SubjectActionDispatch, data)
}

// StartResultSubscriber consumes executor outcomes from actions.result.
// The returned function cancels the subscription.
func (s *ActionService) StartResultSubscriber(ctx context.Context, queue messagequeue.Queue) (func(), error) {
	return queue.Subscribe(ctx, messagequeue.SubjectActionResult, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.ActionResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal action result: %w", err)
		}
		if err := s.ReportResult(ctx, action.ExecutionResult{
			ActionID: p.ActionID,
			Success:  p.Success,
			Error:    p.Error,
			Output:   p.Output,
		}); err != nil {
			slog.Error("failed to apply execution result", "action_id", p.ActionID, "error", err)
			return err
		}
		return nil
	})
}
