// Package channels implements the broadcast bus that carries agent events
// from any producer to every live subscriber.
//
// The bus is multi-producer, multi-consumer:
//
//   - Publish never blocks: each subscriber owns a small ring buffer
//   - A subscriber that falls behind loses its oldest messages and is told
//     how many on its next receive (LaggedError)
//   - Subscribers created after a publish never observe it (no replay)
//
// # Usage
//
//	bus := channels.NewBus(2, logger)
//	rx := bus.Subscribe()
//	defer rx.Close()
//
//	bus.Publish(channels.AuthChanged{LoggedIn: true, At: time.Now()})
//
//	for {
//		msg, err := rx.Recv(ctx)
//		var lagged *channels.LaggedError
//		switch {
//		case errors.As(err, &lagged):
//			// re-read state, some messages were dropped
//		case errors.Is(err, channels.ErrClosed):
//			return
//		case err != nil:
//			return
//		}
//		switch m := msg.(type) {
//		case channels.AuthChanged:
//			// handle m
//		}
//	}
//
// # Shutdown
//
// Close rejects further publishes. Receivers still drain whatever was
// buffered before reporting ErrClosed.
package channels
