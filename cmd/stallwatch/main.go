package main

import (
	"github.com/Paintersrp/stallwatch/internal/cli"
	"github.com/Paintersrp/stallwatch/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
