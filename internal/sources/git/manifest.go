// Copyright (C) 2024 modhost contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package git

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// manifestSchema validates a manifest before anything trusts its
// contents, pared down to the fields DependenciesOf needs: a declared
// name and a dependency list.
const manifestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"author": {"type": "string"},
		"description": {"type": "string"},
		"dependencies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "constraint"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"constraint": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// manifestDependency is one entry of manifest.yaml's dependencies list.
type manifestDependency struct {
	Name       string `yaml:"name"`
	Constraint string `yaml:"constraint"`
}

// manifest is the on-disk shape of manifest.yaml, trimmed to what the
// resolver oracle needs.
type manifest struct {
	Name         string               `yaml:"name"`
	Author       string               `yaml:"author"`
	Description  string               `yaml:"description"`
	Dependencies []manifestDependency `yaml:"dependencies"`
}

var compiledManifestSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("sources/git: invalid embedded manifest schema: %v", err))
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		panic(fmt.Sprintf("sources/git: failed to compile embedded manifest schema: %v", err))
	}
	compiledManifestSchema = schema
}

// decodeManifest parses and validates raw manifest.yaml bytes.
func decodeManifest(raw []byte) (*manifest, error) {
	// yaml.v3 decodes mapping nodes into map[string]any (unlike v2's
	// map[interface{}]interface{}), which is what jsonschema expects.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "sources/git: parse manifest.yaml")
	}

	if err := compiledManifestSchema.Validate(generic); err != nil {
		return nil, errors.Wrap(err, "sources/git: manifest.yaml failed schema validation")
	}

	var m manifest
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "sources/git: decode manifest.yaml")
	}
	return &m, nil
}
