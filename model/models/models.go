// models.go - Registriert alle eingebauten Modelle
package models

import (
	_ "github.com/ollama/diffusion/model/models/tinyunet"
)
