package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("FACTURIO_TEST_MODE") == "" {
			_ = os.Setenv("FACTURIO_TEST_MODE", "1")
		}
	})
}
