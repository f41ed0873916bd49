// Package auction runs sealed-bid auctions that assign tasks to workers.
//
// Each task gets its own Auction with its own bid map and timers, moving
// through
//
//	Open -> Closed -> Assigned -> Completed | Failed
//
// The Coordinator broadcasts the task, accepts bids while the auction is
// Open (a worker's later bid replaces its earlier one), and closes bidding
// when the window timer fires, or earlier if EarlyClose is set and every
// worker eligible at open has bid. Bids are ranked by Score, ties going to
// the earliest bid and then the lowest worker id. The winner is sent an
// Assignment and given a result timeout derived from its estimate, the
// configured ceiling and the task deadline.
//
// A winner that misses its deadline is released and distrusted until its
// next heartbeat. The task then fails with ASSIGNMENT_TIMEOUT, or, with
// FallbackToRunnerUp, is offered to the next ranked bidder.
//
// Cancel, close, result and timeout may race; the terminal state is set
// exactly once and whichever arrives later is ignored. Traffic for a
// resolved task is rejected with an INVALID_BID error that IsLate reports.
package auction
