package main

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// printOut 按 --output 输出；yaml 输出沿用 json 字段名
func printOut(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if output == "json" {
		_, err = w.Write(append(data, '\n'))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
