package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("vrkv", "a replicated key-value storage server", NewService())
}
