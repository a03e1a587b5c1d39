//go:build gocv

package cmd

// registers the "opencv" matcher
import _ "github.com/example/template-detector/internal/match/opencv"
