/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

//go:build !fitz

package livevideo

// OpenDocument needs the fitz build tag (MuPDF via cgo).
func OpenDocument(path string, page int, dpi float64) (FrameSource, error) {
	return nil, ErrUnsupported
}

// DocumentPages needs the fitz build tag.
func DocumentPages(path string) (int, error) { return 0, ErrUnsupported }
