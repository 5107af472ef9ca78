// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"github.com/AleutianAI/HandbookChat/services/llm"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// AugmentationInstruction is prepended to the caller's messages for the
// non-streamed elaboration call.
const AugmentationInstruction = "You are an assistant designed to output text that will be used to " +
	"generate a query parameter that will be used as a vector search query. If you do not know " +
	"the response to the user answer, elaborate a text using the same lexical field."

// QueryParamsInstruction describes get_query_params and its vector_search
// parameter. Both descriptions reference this one constant.
const QueryParamsInstruction = "You are an assistant that is designed to generate a query parameter " +
	"that will be used as a vector search query. The generated query should contain more than 10 " +
	"words and must be complex and elaborate on the user query to generate the best vector query " +
	"possible. If you are unable to provide an answer, just pass the user request."

// GetQueryParamsFunction is the only function declared to the model.
const GetQueryParamsFunction = "get_query_params"

// vectorSearchParam is the single parameter of GetQueryParamsFunction.
const vectorSearchParam = "vector_search"

// Sampling temperatures for the two configured calls. The final call after a
// function result uses the provider default.
const (
	augmentationTemperature float32 = 1.2
	primaryTemperature      float32 = 0.8
)

func queryParamsFunction() llm.FunctionDefinition {
	return llm.FunctionDefinition{
		Name:        GetQueryParamsFunction,
		Description: QueryParamsInstruction,
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				vectorSearchParam: {
					Type:        jsonschema.String,
					Description: QueryParamsInstruction,
				},
			},
			Required: []string{vectorSearchParam},
		},
	}
}
