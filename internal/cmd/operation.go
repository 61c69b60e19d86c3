package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/gqlink"
)

// operationFlags describe the GraphQL document and its inputs.
type operationFlags struct {
	file      string
	name      string
	variables []string
}

func (f *operationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Read the document from a file (- for stdin)")
	cmd.Flags().StringVarP(&f.name, "operation", "o", "", "Operation name to execute")
	cmd.Flags().StringArrayVar(&f.variables, "var", nil, "Variable as name=value; JSON values are decoded (repeatable)")
}

// request builds the request from the positional document or --file.
func (f *operationFlags) request(cmd *cobra.Command, args []string) (*gqlink.Request, error) {
	var document string
	switch {
	case len(args) > 0 && f.file != "":
		return nil, errors.New("pass the document as an argument or with --file, not both")
	case len(args) > 0:
		document = args[0]
	case f.file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		document = string(data)
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		document = string(data)
	}
	if strings.TrimSpace(document) == "" {
		return nil, errors.New("no GraphQL document given")
	}

	req := gqlink.NewRequest(document)
	if f.name != "" {
		req = req.WithOperationName(f.name)
	}
	for _, v := range f.variables {
		name, value, err := parseVariable(v)
		if err != nil {
			return nil, err
		}
		req = req.Var(name, value)
	}
	return req, nil
}

// parseVariable splits name=value. Values that parse as JSON keep their
// type; anything else is a string.
func parseVariable(s string) (string, interface{}, error) {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid variable %q (want name=value)", s)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return name, raw, nil
	}
	return name, value, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
