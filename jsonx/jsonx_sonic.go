//go:build !nojsonsimd

//Package jsonx routes JSON through sonic, with a std fallback behind the
// nojsonsimd build tag for platforms sonic does not cover.
package jsonx

import "github.com/bytedance/sonic"

var fastJSON = sonic.ConfigDefault

func Marshal(v interface{}) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return fastJSON.Unmarshal(data, v)
}
