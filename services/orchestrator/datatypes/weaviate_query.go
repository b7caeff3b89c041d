// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// SessionRecord is a Session object as read back from a Get query.
type SessionRecord struct {
	SessionProperties
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// GetObjects decodes the objects of class from a GraphQL Get response.
//
// # Description
//
// Weaviate returns Get results as untyped JSON under data.Get.<class>. The
// objects are re-decoded into T through encoding/json, so T's json tags
// must match the requested fields. A class missing from the response yields
// no objects.
//
// # Outputs
//
//   - []T: The decoded objects, in response order.
//   - error: Nil response, GraphQL errors, or a shape T cannot decode.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName(ConversationClass).Do(ctx)
//	...
//	turns, err := GetObjects[ConversationResult](resp, ConversationClass)
func GetObjects[T any](resp *models.GraphQLResponse, class string) ([]T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	for _, gqlErr := range resp.Errors {
		if gqlErr != nil {
			return nil, fmt.Errorf("graphql error: %s", gqlErr.Message)
		}
	}

	raw, err := json.Marshal(resp.Data["Get"])
	if err != nil {
		return nil, fmt.Errorf("encode Get result: %w", err)
	}
	var byClass map[string][]T
	if err := json.Unmarshal(raw, &byClass); err != nil {
		return nil, fmt.Errorf("decode %s objects: %w", class, err)
	}
	return byClass[class], nil
}
