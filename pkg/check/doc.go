/*
Package check implements the check primitive shared by all checkers: a state
machine per atomic check plus the per-target status accumulator.

Every concrete check embeds Check and follows the same execution contract:

  - If the repeat interval has not elapsed, the check returns its cached value
    without touching any external system; when the cached status deviates from
    the check's healthy polarity it still fails the accumulator.
  - Otherwise it stamps the execution time, probes, and records the result via
    SetStatus. Transport failures become ExecFailure with a nil cached value.
  - Negative results that warrant alerting go through SendSmartAlarm, which
    debounces: one alarm per status transition, repeated at most once per
    resend threshold while the status is unchanged. Severity is downgraded to
    info while a restart-notification window covers the object.
*/
package check
