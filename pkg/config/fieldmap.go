package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldMappingFile is the on-disk shape of PARSER_FIELD_MAPPING_FILE.
//
//	fields:
//	  price: [satis_fiyati, birim_fiyat]
//	  title: [urun_adi]
type FieldMappingFile struct {
	Fields map[string][]string `yaml:"fields"`
}

// LoadFieldMapping reads extra candidate keys per canonical field.
// An empty path yields an empty mapping.
func LoadFieldMapping(filename string) (map[string][]string, error) {
	if filename == "" {
		return map[string][]string{}, nil
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open field mapping file: %w", err)
	}
	defer file.Close()

	var mapping FieldMappingFile
	if err := yaml.NewDecoder(file).Decode(&mapping); err != nil {
		return nil, fmt.Errorf("decode field mapping file %s: %w", filename, err)
	}
	if mapping.Fields == nil {
		mapping.Fields = map[string][]string{}
	}
	return mapping.Fields, nil
}
