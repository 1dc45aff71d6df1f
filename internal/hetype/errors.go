package hetype

import "errors"

var errComplexPackingMismatch = errors.New("complex_packing flag disagrees between operands")
