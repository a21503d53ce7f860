package agent

import (
	"context"
	"io"
)

// ScriptedStart returns a StartFn that replays a fixed message sequence and
// then ends the session. It backs fakes in tests and dry runs.
func ScriptedStart(msgs ...Message) StartFn {
	return func(ctx context.Context, _ StartOptions, msgCh chan<- Message, _ io.Writer) (*Session, error) {
		sess := &Session{done: make(chan struct{})}
		go func() {
			defer close(sess.done)
			defer close(msgCh)
			for _, m := range msgs {
				select {
				case msgCh <- m:
				case <-ctx.Done():
					sess.err = ctx.Err()
					return
				}
			}
		}()
		return sess, nil
	}
}

// ScriptedHang is like ScriptedStart but keeps the session open after the
// last message until the run context is canceled, imitating an agent that
// stops producing output.
func ScriptedHang(msgs ...Message) StartFn {
	return func(ctx context.Context, _ StartOptions, msgCh chan<- Message, _ io.Writer) (*Session, error) {
		sess := &Session{done: make(chan struct{})}
		go func() {
			defer close(sess.done)
			defer close(msgCh)
			for _, m := range msgs {
				select {
				case msgCh <- m:
				case <-ctx.Done():
					sess.err = ctx.Err()
					return
				}
			}
			<-ctx.Done()
			sess.err = ctx.Err()
		}()
		return sess, nil
	}
}
