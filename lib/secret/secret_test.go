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

package secret

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	one, err := New()
	require.NoError(t, err)
	two, err := New()
	require.NoError(t, err)

	require.NotEqual(t, one, two)
	require.Len(t, one, 43)

	// Tokens must survive URL round trips unescaped.
	require.Equal(t, one, url.QueryEscape(one))
}

func TestEqual(t *testing.T) {
	token, err := New()
	require.NoError(t, err)
	require.True(t, Equal(token, token))
	require.False(t, Equal(token, token+"x"))
	require.False(t, Equal(token, ""))
}
