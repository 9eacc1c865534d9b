package bucket

import "errors"

// ErrInvalidConfig is wrapped with a description of the violated
// invariant whenever NewConfig rejects a combination of parameters.
var ErrInvalidConfig = errors.New("bucket: invalid configuration")

// ErrInvalidQuantity is wrapped with a description whenever RequestGrant
// or TakeNow is called with a Quantity that fails normalization.
var ErrInvalidQuantity = errors.New("bucket: invalid quantity")
