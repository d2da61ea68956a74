// Package ocr reads number-plate text with Tesseract (gosseract/v2).
//
// Tesseract must be installed with the language data for the configured
// language (eng by default):
//   - Ubuntu/Debian: apt-get install tesseract-ocr tesseract-ocr-eng
//   - macOS: brew install tesseract
//
// A Tesseract client is not safe for concurrent use. Each pipeline worker
// owns one recognizer; the recognizer additionally serializes its own calls.
package ocr
