// Package binder decodes request bodies for the billing API.
package binder
