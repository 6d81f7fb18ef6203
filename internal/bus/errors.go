package bus

import (
	"fmt"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

func errSerializationTooLarge(size, cap int) *corerr.Error {
	return corerr.Wrap(corerr.KindInvalidInput,
		fmt.Sprintf("serialized payload %d bytes exceeds cap %d bytes", size, cap),
		corerr.ErrSerializationLimit)
}

func errNotConnected(op string, cause error) *corerr.Error {
	return corerr.Wrap(corerr.KindDependencyUnavailable, fmt.Sprintf("bus: %s", op), cause).WithRetryable(true)
}
