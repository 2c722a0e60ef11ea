/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package convrnn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShapeError reports a malformed or mismatched tensor shape: wrong rank,
// unset channel dimension, or an input whose extent disagrees with the
// cell's configured size.
//
// During graph building it is raised as a panic, wrapped with a stack trace,
// following the same convention as the graph package. Use
// exceptions.TryCatch and errors.As to handle it programmatically.
type ShapeError struct {
	Message string
}

// Error implements the error interface.
func (e *ShapeError) Error() string { return e.Message }

// ShapeErrorf builds a *ShapeError wrapped with a stack trace, ready to be
// raised with panic.
func ShapeErrorf(format string, args ...any) error {
	return errors.WithStack(&ShapeError{Message: fmt.Sprintf(format, args...)})
}

// ConfigurationError reports a missing or invalid construction option, e.g.
// a cell configured without its shape, filter size or output depth.
type ConfigurationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string { return e.Message }

// ConfigurationErrorf builds a *ConfigurationError wrapped with a stack
// trace.
func ConfigurationErrorf(format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Message: fmt.Sprintf(format, args...)})
}
