package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "govanswers"}

	root.AddCommand(serveCMD(), migrateCMD(), batchCMD())
	_ = root.Execute()
}
