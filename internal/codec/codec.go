// Package codec сериализует входные и выходные данные task.
//
// Данные task — плоский JSON-документ (объект верхнего уровня).
// Результат decision всегда кодируется как документ с одним ключом:
//
//	{"result": <value | null>}
//
// "Нет совпавшего правила" кодируется как null, а не как ошибка.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ResultKey — ключ результата в выходном документе.
const ResultKey = "result"

// ErrMalformedPayload — payload не является корректным JSON-объектом.
var ErrMalformedPayload = errors.New("malformed payload")

// Decode декодирует payload task в документ.
//
// Пустой payload — пустой документ. Всё, что не является JSON-объектом
// (массив, скаляр, мусор после объекта), — ErrMalformedPayload.
func Decode(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	// Числа остаются json.Number: целые больше 2^53 не теряют точность
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// Не допускаем несколько документов подряд
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformedPayload)
	}

	switch v := doc.(type) {
	case map[string]any:
		return v, nil
	case nil:
		// "null" трактуем как отсутствие данных
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("%w: expected object, got %T", ErrMalformedPayload, doc)
	}
}

// Encode кодирует документ в JSON.
// Ошибка возможна только для значений, которые не представимы в JSON
// (каналы, функции, NaN).
func Encode(doc map[string]any) ([]byte, error) {
	if doc == nil {
		doc = map[string]any{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// EncodeResult кодирует результат decision в документ {"result": value}.
// value == nil кодируется как {"result":null}.
func EncodeResult(value any) ([]byte, error) {
	return Encode(map[string]any{ResultKey: value})
}
