package interpolation

import "errors"

// Sampling never fails; configuration can.
var ErrInvalidConfig = errors.New("invalid interpolation configuration")
