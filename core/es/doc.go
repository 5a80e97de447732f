// Package es is an embedded event store with aggregates, projections and
// subscriptions.
//
// # Streams
//
// A [Store] keeps ordered streams of events. Every appended event gets an
// event number within its stream, starting at 0, and a global position,
// starting at 1. Appends are guarded by an [ExpectedVersion]:
//
//	res, err := store.Append(ctx, "order-42", es.ExpectNoStream, ev1, ev2)
//	if errors.Is(err, es.ErrConcurrencyConflict) {
//	    // someone else wrote first
//	}
//
// Streams are read in pages with [Store.ReadForward] and [Store.ReadBackward]
// and the whole log with [Store.ReadAllForward].
//
// # Projections
//
// Each event whose stream name contains a dash is also visible in the
// category stream "$ce-<category>", where category is the part before the
// first dash. Every event is visible in "$et-<type>". Projection streams
// are read-only and are read like any other stream.
//
// # Persistence
//
// A store commits every write to its [Backend] before it becomes visible.
// [Open] replays the backend, so a restarted store has the same streams,
// numbers and positions. The default backend keeps everything in memory;
// adapters/sqlite and adapters/nats provide durable ones.
//
// # Subscriptions
//
// [Store.SubscribeLive] delivers events committed after the call.
// [Store.SubscribeCatchUp] first replays history and then continues live
// without gaps or duplicates:
//
//	sub, err := store.SubscribeCatchUp(ctx, es.CategoryTarget("order"), 0,
//	    func(ctx context.Context, d es.Delivery) error {
//	        return project(d.Event)
//	    })
//	defer sub.Close()
//
// # Aggregates
//
// Aggregates embed [BaseAggregate], raise events and apply them in Apply.
// A [Repository] loads an aggregate by applying its stream and saves
// uncommitted events with the aggregate's version as expected version:
//
//	repo := es.NewTypedRepository[*User](store, registry)
//	user, err := repo.GetByID(ctx, "user-123")
//	user.ChangeName("New Name")
//	err = repo.Save(ctx, user)
//
// # Consumers
//
// A [Consumer] runs a [Handler] on a catch-up subscription, decodes events
// with the registry and resumes from a [CpStore]:
//
//	consumer := es.NewConsumer(store, registry, handler,
//	    es.WithConsumerName("user-projector"),
//	    es.WithCheckpointStore(cps),
//	)
//	err := consumer.Start(ctx)
//
// # Environment
//
// [Env] wires a store, registry, repository and consumers together:
//
//	env, err := es.NewEnv(
//	    es.WithLog(logger),
//	    es.WithBackend(backend),
//	    es.WithAggregates(&User{}),
//	)
//	defer env.Shutdown()
package es
