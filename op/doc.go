/*
Package op drives every asynchronous step of the runtime without giving each
one its own goroutine.

An operation is any type embedding Base and implementing the three hooks of
the Operation interface. A Scheduler owns the operations that were started on
it. Each call to Tick advances every active operation by one step, in
priority order, until the per-tick time budget is used up. Operations that
reach a terminal status are then swept out and their completion callbacks
run.

All state owned by a Scheduler, and by the operations it drives, must only be
touched from the goroutine calling Tick. Operations that do work on other
goroutines (network reads, hashing) must hand their results back through
atomics that the update hook polls.

A parent operation can own child operations without scheduling them. It
advances them with Scheduler.Drive from its own update hook, so a parent is
never ahead of its children.
*/
package op
