package recall

import "errors"

// ErrPartialRecall is reported when at least one scope could not be
// queried in time. The items that were gathered are still returned.
var ErrPartialRecall = errors.New("partial recall")
