/*
 * Backend.AI AppProxy
 * Copyright (C) 2026  Lablup Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package apperr

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCodeSurvivesWrapping(t *testing.T) {
	err := WithCode(CodeInvalidCookie, trace.AccessDenied("cookie does not match"))
	require.Error(t, err)

	wrapped := trace.Wrap(err)
	require.Equal(t, CodeInvalidCookie, CodeOf(wrapped))
	require.True(t, trace.IsAccessDenied(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(trace.NotFound("no such circuit")))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestWithCodeNil(t *testing.T) {
	require.NoError(t, WithCode(CodeNotFound, nil))
}

func TestNotFound(t *testing.T) {
	err := NotFound("circuit %q not found", "c1")
	require.True(t, trace.IsNotFound(err))
	require.Equal(t, CodeNotFound, CodeOf(err))
	require.Contains(t, err.Error(), "E00002")
	require.Contains(t, err.Error(), "c1")
}
