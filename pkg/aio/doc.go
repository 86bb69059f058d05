// Package aio provides the small concurrency vocabulary shared by the rest of
// the runtime: one-shot futures, cancellable tasks, FIFO locks and semaphores,
// awaitable queues, retry backoff math, and short identifiers.
//
// Everything here is built on channels and contexts; suspension points are
// explicit (a channel receive or a ctx-aware method). All types are safe for
// concurrent use unless documented otherwise.
package aio
