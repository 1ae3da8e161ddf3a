// Package scheduler triggers probe cycles and applies their outcome.
//
// The scheduler is responsible for:
//   - parsing the schedule (cron or fixed interval)
//   - computing trigger times (robfig/cron)
//   - handing ticks to a dedicated probe worker
//   - applying successful results to the metric registry
package scheduler
