// Package router turns chat messages into queued agent jobs.
//
// A message is admitted only when its conversation name carries the project
// prefix, it is text, and the derived project name is either unclaimed or
// already owned by the same conversation. Admitted messages run one at a time
// per conversation; their replies are delivered in submission order.
package router
