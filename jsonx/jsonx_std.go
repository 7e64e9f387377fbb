//go:build nojsonsimd

package jsonx

import stdjson "encoding/json"

func Marshal(v interface{}) ([]byte, error) {
	return stdjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return stdjson.Unmarshal(data, v)
}
