package main

import (
	"fmt"

	_ "github.com/placedex/querycache/cache"
	_ "github.com/placedex/querycache/compress"
	_ "github.com/placedex/querycache/env"
	_ "github.com/placedex/querycache/logger"
	_ "github.com/placedex/querycache/notify"
	_ "github.com/placedex/querycache/resilience"
	_ "github.com/placedex/querycache/sqlrunner"
	_ "github.com/placedex/querycache/string"
)

func main() {
	fmt.Println("querycache")
}
