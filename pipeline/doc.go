// Package pipeline turns raw detector output for one image into a helmet
// violation report.
//
// A run detects once, partitions detections by class and, for every
// helmetless rider, finds the enclosing rider box, the nearest plate inside
// it and the plate text. Detector, recognizer and annotator are injected; the
// package itself holds no model state and no globals besides metrics.
package pipeline
