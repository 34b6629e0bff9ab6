package pull

import "errors"

// ErrLsnMismatch is returned when the observed max LSN at commit time
// doesn't match the LSN this pull expected, indicating a concurrent
// mutation slipped past the writer lock.
var ErrLsnMismatch = errors.New("pull: lsn mismatch at commit (concurrent writer?)")

// ErrMissingHash indicates a record was marked AssumeExist but its hash
// is absent from the CAS at commit time — typically a concurrent squash
// removed it. Callers should retry the pull.
var ErrMissingHash = errors.New("pull: hash missing from CAS for an AssumeExist record; retry the pull")

// ErrShrink is returned when the remote image is smaller than the size
// recorded at the last consistent point.
var ErrShrink = errors.New("pull: remote image is smaller than the last consistent point")

// ErrScriptFailed wraps a non-zero exit from a pre/post-pull script.
var ErrScriptFailed = errors.New("pull: script failed")
